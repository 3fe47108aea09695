// Command warden is the CLI client for the wardend daemon.
package main

import (
	"fmt"
	"os"

	"github.com/wardend/warden/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
