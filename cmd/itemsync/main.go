// Command itemsync tracks QR-tagged items in a local database and syncs
// them with a remote store.
package main

import (
	"context"
	"os"

	"github.com/roach88/itemsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
