// Command qagent builds a knowledge base from product documents and uses it
// to generate QA test cases and Selenium scripts. It provides a CLI (via
// Cobra) and an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/qagent-go/cmd/qagent/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
