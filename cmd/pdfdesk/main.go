// Command pdfdesk merges, splits, compresses and converts PDF documents.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wudi/pdfdesk/cli"
)

func main() {
	app := cli.New()

	if err := app.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
