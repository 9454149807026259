// Command portalctl drives the portal client from the shell: one-off calls
// through the retry and offline stack, a live watch of the realtime feed,
// and inspection of the offline queue.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
