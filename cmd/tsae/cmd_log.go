package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	participant := flags.String("participant", "", "only operations authored by this participant")
	limit := flags.Int("limit", 50, "max operations to show (0 = all)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ops, err := a.store.ListOperations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: log: %v\n", err)
		return 1
	}
	ops = filterLog(ops, *participant, *limit)

	if *jsonOut {
		printJSON(map[string]interface{}{"operations": ops, "count": len(ops)})
	} else {
		if len(ops) == 0 {
			fmt.Println("no operations")
		}
		for _, op := range ops {
			printOperation(op)
		}
	}
	return 0
}

// filterLog keeps the operations of participant (all when empty) in total
// order, truncated to the newest limit.
func filterLog(ops []model.Operation, participant string, limit int) []model.Operation {
	if participant != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if op.Author() == participant {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return clock.TotalOrderLess(ops[i].Timestamp, ops[j].Timestamp)
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	return ops
}

func printOperation(op model.Operation) {
	switch op.Kind {
	case model.OpAdd:
		fmt.Printf("[%s] add %q (%d bytes)\n", op.Timestamp, op.Title, len(op.Body))
	case model.OpRemove:
		fmt.Printf("[%s] remove %q\n", op.Timestamp, op.Title)
	default:
		fmt.Printf("[%s] %s %q\n", op.Timestamp, op.Kind, op.Title)
	}
}
