// Command mlpipe runs deterministic ML pipeline executions from the
// command line: create and execute runs against CSV datasets, then
// inspect their records, logs, and event streams.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
