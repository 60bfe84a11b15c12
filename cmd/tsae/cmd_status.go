package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/frontier"
	"github.com/daviddao/tsae/pkg/model"
)

// statusReport is the JSON shape of `tsae status --json`.
type statusReport struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Seq          int64           `json:"seq"`
	Summary      *clock.Vector   `json:"summary"`
	Ack          *clock.Matrix   `json:"ack"`
	Stability    frontier.Status `json:"stability"`
	LogSize      int             `json:"log_size"`
	Recipes      int             `json:"recipes"`
	Pending      int64           `json:"pending"`
	SavedAt      time.Time       `json:"saved_at"`
}

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cp, ok, err := a.store.LoadSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: status: %v\n", err)
		return 1
	}
	pending := a.store.CountOutbox()
	if !ok {
		if *jsonOut {
			printJSON(map[string]interface{}{"checkpoint": nil, "pending": pending})
		} else {
			fmt.Println("no checkpoint yet (run 'tsae serve')")
			fmt.Printf("pending: %d\n", pending)
		}
		return 0
	}

	report := buildStatus(cp, pending)
	if *jsonOut {
		printJSON(report)
		return 0
	}

	fmt.Printf("node %s  seq=%d  saved %s\n", cp.ID, cp.Seq, humanize.Time(cp.SavedAt))
	fmt.Printf("log: %d op(s)  recipes: %d  pending: %d\n", report.LogSize, report.Recipes, pending)
	fmt.Println("summary:")
	for _, p := range cp.Participants {
		ts, _ := cp.Summary.Last(p)
		fmt.Printf("  %-15s %s\n", p, ts)
	}
	fmt.Println("ack:")
	for _, row := range cp.Participants {
		r, _ := cp.Ack.Row(row)
		marker := ""
		if row == cp.ID {
			marker = " <-- local"
		}
		fmt.Printf("  %-15s %s%s\n", row, r, marker)
	}
	if report.Stability.FullyStable {
		fmt.Printf("stable: %s (every node has acknowledged everything)\n", report.Stability.Stable)
	} else {
		fmt.Printf("stable: %s\n", report.Stability.Stable)
		for _, l := range report.Stability.BlockedBy {
			fmt.Printf("  %s has %s, newest is %s\n", l.Node, l.Seen, l.Newest)
		}
	}
	return 0
}

func buildStatus(cp *model.Checkpoint, pending int64) statusReport {
	return statusReport{
		ID:           cp.ID,
		Participants: cp.Participants,
		Seq:          cp.Seq,
		Summary:      cp.Summary,
		Ack:          cp.Ack,
		Stability:    frontier.ComputeStatus(cp.Ack),
		LogSize:      len(cp.Ops),
		Recipes:      len(cp.Recipes),
		Pending:      pending,
		SavedAt:      cp.SavedAt,
	}
}
