package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfdesk/convert"
	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/pagerange"
	"github.com/wudi/pdfdesk/publish"
	"github.com/wudi/pdfdesk/staging"
	"github.com/wudi/pdfdesk/workspace"
)

func (a *App) newMergeCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "merge FILE FILE...",
		Short:   "Concatenate PDF files in the given order",
		Example: `  pdfdesk merge -o merged.pdf cover.pdf body.pdf appendix.pdf`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			ws := a.workspace(rt, staging.ModeMerge)
			defer ws.Close()

			if err := a.stage(cmd.Context(), ws, args); err != nil {
				return err
			}
			h, err := ws.Merge(cmd.Context())
			if err != nil {
				return err
			}
			return a.save(ws, h, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", workspace.MergedFilename, "Output file")
	return cmd
}

func (a *App) newSplitCmd() *cobra.Command {
	var (
		output string
		pages  string
	)
	cmd := &cobra.Command{
		Use:   "split FILE",
		Short: "Extract a page range into a new PDF",
		Long: `Extract pages START..END of FILE. The range is 1-based and inclusive;
"N-" runs to the last page. Without --pages every page is copied.`,
		Example: `  pdfdesk split --pages 3-5 report.pdf
  pdfdesk split --pages 10- -o tail.pdf report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			ws := a.workspace(rt, staging.ModeSplit)
			defer ws.Close()

			if err := a.stage(cmd.Context(), ws, args); err != nil {
				return err
			}
			if pages != "" {
				rng, err := pagerange.Parse(pages, ws.TotalPages())
				if err != nil {
					return err
				}
				if _, err := ws.SetRange(rng); err != nil {
					return err
				}
			}
			h, err := ws.Split(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" {
				output = h.Filename
			}
			return a.save(ws, h, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default split-pages-START-to-END.pdf)")
	cmd.Flags().StringVarP(&pages, "pages", "p", "", "Page range, e.g. 3-5, 7 or 10-")
	return cmd
}

func (a *App) newPagesCmd() *cobra.Command {
	var (
		jsonOutput bool
		validate   bool
	)
	cmd := &cobra.Command{
		Use:   "pages FILE",
		Short: "Print the page count and page sizes of a PDF",
		Long: `Print the page count and page sizes of a PDF. With --validate the whole
document is parsed and checked first, using the engine.relaxed setting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if validate {
				if err := rt.engine.Validate(cmd.Context(), data); err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(args[0]), err)
				}
			}
			sizes, err := rt.engine.PageSizes(cmd.Context(), data)
			if err != nil {
				return err
			}
			if jsonOutput {
				type page struct {
					Number int     `json:"number"`
					Width  float64 `json:"width"`
					Height float64 `json:"height"`
				}
				out := struct {
					Count int    `json:"count"`
					Valid bool   `json:"valid,omitempty"`
					Pages []page `json:"pages"`
				}{Count: len(sizes), Valid: validate, Pages: make([]page, len(sizes))}
				for i, s := range sizes {
					out.Pages[i] = page{Number: i + 1, Width: s.Width, Height: s.Height}
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			if validate {
				fmt.Fprintf(a.stdout, "%s: valid\n", filepath.Base(args[0]))
			}
			fmt.Fprintf(a.stdout, "%s: %d pages\n", filepath.Base(args[0]), len(sizes))
			for i, s := range sizes {
				fmt.Fprintf(a.stdout, "  %4d  %.2f x %.2f pt\n", i+1, s.Width, s.Height)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&validate, "validate", false, "Validate the whole document before reading pages")
	return cmd
}

func (a *App) newCompressCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compress FILE",
		Short: "Rewrite a PDF with object streams and shared resources deduplicated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := rt.engine.Optimize(cmd.Context(), data)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(filepath.Dir(args[0]), "compressed_"+filepath.Base(args[0]))
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			saved := 0.0
			if len(data) > 0 {
				saved = 100 * float64(len(data)-len(out)) / float64(len(data))
			}
			fmt.Fprintf(a.stdout, "%s: %d -> %d bytes (%.1f%% saved)\n", output, len(data), len(out), saved)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default compressed_FILE)")
	return cmd
}

func (a *App) newConvertCmd() *cobra.Command {
	var (
		output  string
		maxEdge int
		quality int
	)
	cmd := &cobra.Command{
		Use:     "convert IMAGE...",
		Short:   "Turn images into a PDF, one page per image",
		Example: `  pdfdesk convert -o scans.pdf page1.jpg page2.png page3.tiff`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			conv := rt.converter
			if cmd.Flags().Changed("max-edge") || cmd.Flags().Changed("quality") {
				opts := convert.Options{MaxEdge: rt.cfg.Convert.MaxEdge, JPEGQuality: rt.cfg.Convert.JPEGQuality}
				if cmd.Flags().Changed("max-edge") {
					opts.MaxEdge = maxEdge
				}
				if cmd.Flags().Changed("quality") {
					opts.JPEGQuality = quality
				}
				conv = convert.New(rt.engine, opts, rt.logger)
			}

			images := make([]convert.Image, 0, len(args))
			for _, p := range args {
				if !convert.Supported(p) {
					return fmt.Errorf("%s: %w", p, convert.ErrUnsupported)
				}
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				images = append(images, convert.Image{Name: filepath.Base(p), Data: data})
			}
			out, err := conv.Convert(cmd.Context(), images)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d pages\n", output, len(images))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "converted.pdf", "Output file")
	cmd.Flags().IntVar(&maxEdge, "max-edge", 0, "Downscale images whose longest edge exceeds this many pixels (0 keeps size)")
	cmd.Flags().IntVar(&quality, "quality", 0, "Re-encode pages as JPEG at this quality (0 keeps lossless PNG)")
	return cmd
}

// workspace returns a workspace whose notices are printed to stdout.
func (a *App) workspace(rt *runtime, mode staging.Mode) *workspace.Workspace {
	notify := workspace.NotifierFunc(func(_ context.Context, n workspace.Notice) {
		if n.Level == workspace.LevelError {
			fmt.Fprintf(a.stderr, "%s: %s\n", n.Title, n.Message)
			return
		}
		fmt.Fprintf(a.stdout, "%s: %s\n", n.Title, n.Message)
	})
	return workspace.New(rt.engine,
		workspace.WithMode(mode),
		workspace.WithNotifier(notify),
		workspace.WithLogger(rt.logger.With(observability.String("component", "workspace"))),
		workspace.WithTracer(rt.tracing.Tracer()))
}

func (a *App) stage(ctx context.Context, ws *workspace.Workspace, paths []string) error {
	uploads := make([]staging.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		uploads = append(uploads, staging.Upload{Name: filepath.Base(p), Data: data})
	}
	res, err := ws.AddFiles(ctx, uploads)
	for _, name := range res.Skipped {
		fmt.Fprintf(a.stderr, "skipped %s: not a PDF\n", name)
	}
	return err
}

func (a *App) save(ws *workspace.Workspace, h publish.Handle, path string) error {
	_, rd, err := ws.Download(h.ID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rd); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "wrote %s (%d bytes)\n", path, h.Size)
	return nil
}
