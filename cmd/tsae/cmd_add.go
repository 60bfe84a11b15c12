package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/tsae/pkg/model"
)

func (a *app) cmdAdd(args []string) int {
	flags := flag.NewFlagSet("add", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 || flags.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "usage: tsae add <title> [body]")
		return 1
	}
	return a.enqueue(model.OpAdd, flags.Arg(0), flags.Arg(1), *jsonOut)
}

func (a *app) cmdRemove(args []string) int {
	flags := flag.NewFlagSet("remove", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tsae remove <title>")
		return 1
	}
	return a.enqueue(model.OpRemove, flags.Arg(0), "", *jsonOut)
}

func (a *app) enqueue(kind model.OpKind, title, body string, jsonOut bool) int {
	p, err := a.store.Enqueue(kind, title, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: %s: %v\n", kind, err)
		return 1
	}
	if jsonOut {
		printJSON(p)
	} else {
		fmt.Printf("queued %s %q (#%d, %d pending)\n", kind, title, p.ID, a.store.CountOutbox())
	}
	return 0
}
