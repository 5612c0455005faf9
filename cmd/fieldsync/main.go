// Command fieldsync records offline layer edits as delta journals,
// replays them, and delivers them for upload.
package main

import (
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
