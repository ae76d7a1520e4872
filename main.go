// The main package for the crawlcore executable.
package main

import (
	"os"

	"github.com/JakeFAU/crawlcore/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	os.Exit(cmd.Execute())
}
