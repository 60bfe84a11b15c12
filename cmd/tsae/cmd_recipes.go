package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

func (a *app) cmdRecipes(args []string) int {
	flags := flag.NewFlagSet("recipes", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	recipes, err := a.store.ListRecipes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: recipes: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"recipes": recipes, "count": len(recipes)})
	} else {
		if len(recipes) == 0 {
			fmt.Println("no recipes")
		}
		for _, r := range recipes {
			fmt.Printf("%s  [%s]\n", r.Title, r.Timestamp)
			for _, line := range strings.Split(r.Body, "\n") {
				if line != "" {
					fmt.Printf("    %s\n", line)
				}
			}
		}
	}
	return 0
}
