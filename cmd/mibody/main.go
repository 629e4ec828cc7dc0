// Command mibody runs, tests and inspects multi-instance activity bodies.
package main

import (
	"os"

	"github.com/roach88/mibody/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
