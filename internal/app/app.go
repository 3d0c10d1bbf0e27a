package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "match":
		return runMatch(args[1:])
	case "bucket":
		return runBucket(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "chain":
		return runChain(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "sni CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sni <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health   Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  ingest   Fetch due feeds and insert new pending headlines")
	fmt.Fprintln(os.Stderr, "  match    Classify pending headlines against the taxonomy")
	fmt.Fprintln(os.Stderr, "  bucket   Route classified headlines into period buckets")
	fmt.Fprintln(os.Stderr, "  cluster  Grow events from routed headlines, with consolidation")
	fmt.Fprintln(os.Stderr, "  chain    Link this month's events to last month's sagas")
	fmt.Fprintln(os.Stderr, "  process  Run ingest + match + bucket + cluster + chain once")
	fmt.Fprintln(os.Stderr, "  run-once Alias for process")
	fmt.Fprintln(os.Stderr, "  daemon   Run all stages continuously on their intervals")
	fmt.Fprintln(os.Stderr, "  serve    Start the read-only ops HTTP server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"sni <command> -h\" for command-specific flags.")
}
