// Command confbroker talks to a JSON-RPC configuration datastore the way
// the web UI does.
package main

import (
	"os"

	"github.com/roach88/confbroker/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
