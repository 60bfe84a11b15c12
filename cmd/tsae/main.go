// Command tsae runs and inspects a node of a timestamped anti-entropy
// cluster replicating a shared recipe book.
package main

import (
	"fmt"
	"os"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("tsae", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	// Node
	case "serve":
		os.Exit(a.cmdServe(os.Args[2:]))

	// Operations
	case "add":
		os.Exit(a.cmdAdd(os.Args[2:]))
	case "remove", "rm":
		os.Exit(a.cmdRemove(os.Args[2:]))

	// Inspection
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))
	case "log":
		os.Exit(a.cmdLog(os.Args[2:]))
	case "recipes":
		os.Exit(a.cmdRecipes(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "tsae: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'tsae --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`tsae: timestamped anti-entropy replication

Every node keeps a log of operations stamped (participant, sequence), a
summary vector and an acknowledgment matrix. Nodes gossip pairwise on a
timer; operations every node has acknowledged are purged.

Usage:
  tsae <command> [flags]

Node:
  serve [--listen ADDR]     Run the node: answer sessions, gossip, issue queued ops

Operations (queued in the outbox, issued by the running node):
  add <title> [body]        Add or replace a recipe
  remove <title>            Remove a recipe

Inspection (reads the last checkpoint):
  status                    Summary, ack matrix, purge frontier
  log [--participant P]     Logged operations
  recipes                   The recipe book

Aliases:
  rm = remove

Environment:
  TSAE_DB          SQLite database path (default: .tsae/tsae.db)
  TSAE_ID          Local participant ID
  TSAE_PEERS       Peers as id=host:port,id=host:port
  TSAE_TRANSPORT   Session transport: tcp or ws (default: tcp)

Inspection commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  3  fatal protocol error (a peer sent a malformed message)
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "tsae: "+format+"\n", args...)
	os.Exit(1)
}
