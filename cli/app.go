// Package cli implements the pdfdesk command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

type App struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer
	opts   globalOptions
}

func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	app.root = &cobra.Command{
		Use:   "pdfdesk",
		Short: "Merge, split, compress and convert PDF documents",
		Long: `pdfdesk merges PDF files in a chosen order, extracts page ranges into new
documents, recompresses PDFs and turns images into PDF pages.

Run "pdfdesk serve" to expose the same operations over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := app.root.PersistentFlags()
	pf.StringVarP(&app.opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	pf.StringVar(&app.opts.logLevel, "log-level", "", "Log level (overrides config)")
	pf.StringVar(&app.opts.logFormat, "log-format", "", "Log format: json or console (overrides config)")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newServeCmd(),
		app.newMergeCmd(),
		app.newSplitCmd(),
		app.newPagesCmd(),
		app.newCompressCmd(),
		app.newConvertCmd(),
	)

	return app
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the command line until completion or SIGINT/SIGTERM.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "pdfdesk version %s\n", Version)
			fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
			fmt.Fprintf(a.stdout, "  Build date: %s\n", BuildDate)
		},
	}
}
