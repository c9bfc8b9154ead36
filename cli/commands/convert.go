package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"imageConverter/api/batch"
	"imageConverter/cli/tui"
	"imageConverter/worker/converter"
)

type convertOptions struct {
	format    string
	outputDir string
	workers   int
	timeout   time.Duration
	verbose   bool
	quiet     bool
}

func newConvertCmd() *cobra.Command {
	opts := &convertOptions{}

	cmd := &cobra.Command{
		Use:   "convert [flags] <file>...",
		Short: "Convert image files to one output format",
		Example: "  imgconv convert --format ico a.jpg b.png -o icons/\n" +
			"  imgconv convert -f pdf scans/*.png",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runConvert(ctx, cmd.OutOrStdout(), args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", converter.DefaultFormat.String(), "output format: png, jpeg, webp, bmp, gif, tiff, pdf or ico")
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "converted", "destination folder for converted files")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "maximum concurrent conversions (0 for one per file)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-file conversion timeout (0 disables)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log conversion details to stderr")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "disable the progress view (implied when stdout is not a terminal)")

	return cmd
}

func runConvert(ctx context.Context, out io.Writer, paths []string, opts *convertOptions) error {
	format, err := converter.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	files, err := readFiles(paths)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan batch.ItemState, 64)
	controller := batch.NewController(
		converter.NewConverter(logger),
		batch.NewPreviewStore(),
		logger,
		batch.WithFormat(format),
		batch.WithMaxWorkers(opts.workers),
		batch.WithItemTimeout(opts.timeout),
		batch.WithObserver(forwardUpdates(ctx, updates)),
	)
	defer controller.RemoveAll()

	added, err := controller.AddFiles(files)
	if err != nil {
		close(updates)
		return err
	}

	interactive := !opts.quiet && isTerminal(out)

	uiDone := make(chan struct{})
	go func() {
		defer close(uiDone)
		if !interactive {
			for range updates {
			}
			return
		}
		program := tea.NewProgram(tui.NewModel(updates, len(added), format.String()), tea.WithOutput(out))
		watchProgress(program.Run, cancel, updates, logger)
	}()

	summary, convErr := controller.ConvertAll(ctx, format)
	close(updates)
	<-uiDone

	if convErr != nil && !errors.Is(convErr, batch.ErrPartialFailure) {
		return convErr
	}

	renamed, written, err := writeResults(controller.Items(), opts.outputDir)
	if err != nil {
		return err
	}

	rows := []tui.SummaryRow{
		{Label: "Format", Value: format.String()},
		{Label: "Files given", Value: fmt.Sprintf("%d", len(files))},
		{Label: "Skipped", Value: fmt.Sprintf("%d", len(files)-len(added))},
		{Label: "Converted", Value: fmt.Sprintf("%d", summary.Succeeded)},
		{Label: "Failed", Value: fmt.Sprintf("%d", summary.Failed), Err: summary.Failed > 0},
		{Label: "Bytes written", Value: fmt.Sprintf("%d", written)},
	}
	for _, item := range controller.Items() {
		if err := item.Err(); err != nil {
			rows = append(rows, tui.SummaryRow{Label: item.Name(), Value: err.Error(), Err: true})
		} else if name, ok := renamed[item.ID()]; ok {
			rows = append(rows, tui.SummaryRow{Label: item.Name(), Value: "written as " + name})
		}
	}
	fmt.Fprintln(out, tui.RenderSummary(rows))

	outPath := opts.outputDir
	if abs, absErr := filepath.Abs(outPath); absErr == nil {
		outPath = abs
	}
	fmt.Fprintf(out, "Converted files written to: %s\n", outPath)

	return convErr
}

// forwardUpdates feeds item transitions to the progress view and gives up
// once ctx is done.
func forwardUpdates(ctx context.Context, updates chan<- batch.ItemState) batch.Observer {
	return func(_ context.Context, state batch.ItemState) {
		select {
		case updates <- state:
		case <-ctx.Done():
		}
	}
}

// watchProgress runs the progress view, cancels the batch when the user
// interrupts it and drains updates until they are closed.
func watchProgress(run func() (tea.Model, error), cancel context.CancelFunc, updates <-chan batch.ItemState, logger *zap.Logger) {
	final, err := run()
	if err != nil {
		logger.Warn("Progress view failed", zap.Error(err))
	}
	if m, ok := final.(tui.Model); ok && m.Interrupted() {
		cancel()
	}
	for range updates {
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func readFiles(paths []string) ([]batch.File, error) {
	files := make([]batch.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		files = append(files, batch.File{
			Name:     filepath.Base(path),
			Modified: info.ModTime(),
			Data:     data,
		})
	}
	return files, nil
}

// writeResults stores every successful output in dir. Outputs whose names
// collide within the batch get a numeric suffix; renamed maps those items to
// the name actually written.
func writeResults(items []*batch.Item, dir string) (map[batch.ItemID]string, int64, error) {
	renamed := make(map[batch.ItemID]string)
	used := make(map[string]bool)
	var written int64
	for _, item := range items {
		out, ok := item.Result()
		if !ok {
			continue
		}

		name := uniqueName(out.Filename, used)
		used[name] = true
		if name != out.Filename {
			renamed[item.ID()] = name
		}

		if err := os.WriteFile(filepath.Join(dir, name), out.Data, 0o644); err != nil {
			return renamed, written, err
		}
		written += int64(len(out.Data))
	}
	return renamed, written, nil
}

func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !used[candidate] {
			return candidate
		}
	}
}
