package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/downloads"
	"github.com/vidmanual/vidmanual-agent/internal/export"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

type runOptions struct {
	title    string
	exclude  []int
	formats  []string
	outDir   string
	template string
	fps      float64
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <video>",
		Short: "Turn a video into a manual without the browser",
		Long: "Uploads the video, runs the analysis, applies --exclude to the proposed plan, " +
			"submits the selection and exports every requested format.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.newLogger(os.Stderr)
			if err != nil {
				return err
			}
			database, repo, err := ctx.openStore(logger)
			if err != nil {
				return err
			}
			defer database.Close()

			client, err := ctx.backendClient(logger)
			if err != nil {
				return err
			}
			manager := workflow.NewManager(client, repo, logger, workflow.ManagerOptions{
				MaxUploadBytes: cfg.MaxUploadBytes(),
			})
			defer manager.Close()

			w := &wizardRun{
				manager: manager,
				cache:   downloads.NewCache(client, filepath.Join(cfg.CacheDir(), "exports"), logger),
				out:     cmd.OutOrStdout(),
				logger:  logger,
			}
			return w.run(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.title, "title", "t", "", "Manual title passed to plan creation")
	cmd.Flags().IntSliceVarP(&opts.exclude, "exclude", "x", nil, "Step numbers (as listed, starting at 1) to leave out")
	cmd.Flags().StringSliceVarP(&opts.formats, "format", "f", nil, "Export format: markdown or pdf (default all)")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Existing directory to save the exports and an EDL into")
	cmd.Flags().StringVar(&opts.template, "template", "", "Export template name")
	cmd.Flags().Float64Var(&opts.fps, "fps", export.DefaultFrameRate, "Frame rate for the EDL written with --out")
	return cmd
}

// wizardRun drives one session through every wizard step.
type wizardRun struct {
	manager *workflow.Manager
	cache   *downloads.Cache
	out     io.Writer
	logger  *slog.Logger
}

func (w *wizardRun) run(ctx context.Context, videoPath string, opts runOptions) error {
	formats, err := parseFormats(opts.formats)
	if err != nil {
		return err
	}
	if opts.outDir != "" {
		if err := export.ValidateOutputDir(opts.outDir); err != nil {
			return err
		}
	}

	sess, err := w.manager.CreateFromFile(ctx, videoPath, opts.title)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	video := sess.Video()
	fmt.Fprintf(w.out, "Uploaded %s as video %s (session %s)\n", video.Filename, video.ID, sess.ID())

	if err := sess.RunAnalysis(ctx); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	loaded, err := sess.LoadPlan(ctx)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	flags, err := excludeSteps(len(loaded.Plan.Steps), opts.exclude)
	if err != nil {
		return err
	}
	if len(flags) > 0 {
		if err := sess.SetSelections(flags); err != nil {
			return fmt.Errorf("apply exclusions: %w", err)
		}
	}

	submitted, err := sess.SubmitSelection(ctx)
	if err != nil {
		return fmt.Errorf("submit selection: %w", err)
	}
	fmt.Fprintln(w.out, renderPlan(submitted))

	outcomes, exportErr := sess.ExportAll(ctx, opts.template, formats...)
	if outcomes == nil {
		return fmt.Errorf("export: %w", exportErr)
	}

	saved := make(map[backend.Format]string)
	if opts.outDir != "" {
		for _, o := range outcomes {
			if o.Err != nil {
				continue
			}
			path, err := w.save(ctx, *o.Result, opts.outDir)
			if err != nil {
				return err
			}
			saved[o.Format] = path
		}
		edlPath, err := writeEDL(submitted, opts.outDir, opts.fps)
		if err != nil {
			return err
		}
		if edlPath != "" {
			fmt.Fprintf(w.out, "Wrote %s\n", edlPath)
		}
	}

	fmt.Fprintln(w.out, renderOutcomes(outcomes, saved))
	if exportErr != nil {
		return fmt.Errorf("export: %w", exportErr)
	}
	return nil
}

// save downloads an export through the cache and copies it into dir.
func (w *wizardRun) save(ctx context.Context, result backend.ExportResult, dir string) (string, error) {
	cached, err := w.cache.Fetch(ctx, result)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", result.Format, err)
	}
	dest := filepath.Join(dir, export.Filename(result.Filename(), "manual", ""))
	if err := copyFile(cached, dest); err != nil {
		return "", fmt.Errorf("save %s: %w", result.Format, err)
	}
	w.logger.Info("export saved", "format", result.Format, "path", dest)
	return dest, nil
}

// writeEDL writes the selected steps as an edit list. It writes nothing when
// no step with a usable time range is selected.
func writeEDL(snap workflow.SelectionSnapshot, dir string, fps float64) (string, error) {
	clips := export.ClipsFromPlan(snap.Plan, snap.Selections)
	if len(clips) == 0 {
		return "", nil
	}
	title := snap.Plan.Title
	path := filepath.Join(dir, export.Filename(title, "manual", ".edl"))
	if err := os.WriteFile(path, []byte(export.GenerateEDL(clips, title, fps)), 0644); err != nil {
		return "", fmt.Errorf("write edl: %w", err)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func parseFormats(names []string) ([]backend.Format, error) {
	formats := make([]backend.Format, 0, len(names))
	for _, name := range names {
		f, err := backend.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// excludeSteps turns 1-based step numbers into selection flags.
func excludeSteps(stepCount int, numbers []int) (backend.SelectionMap, error) {
	flags := make(backend.SelectionMap, len(numbers))
	for _, n := range numbers {
		if n < 1 || n > stepCount {
			return nil, fmt.Errorf("--exclude %d: plan has %d steps", n, stepCount)
		}
		flags[n-1] = false
	}
	return flags, nil
}

func renderPlan(snap workflow.SelectionSnapshot) string {
	rows := make([][]string, 0, len(snap.Plan.Steps))
	for i, step := range snap.Plan.Steps {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			step.Title,
			formatSeconds(step.Start),
			formatSeconds(step.End),
			yesNo(snap.Selections[i]),
		})
	}
	return renderTable(
		[]string{"#", "Step", "Start", "End", "Included"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func renderOutcomes(outcomes []workflow.ExportOutcome, saved map[backend.Format]string) string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			rows = append(rows, []string{string(o.Format), "failed", exportErrorText(o.Err)})
			continue
		}
		location := o.Result.DownloadURL
		if path, ok := saved[o.Format]; ok {
			location = path
		}
		rows = append(rows, []string{string(o.Format), "exported", location})
	}
	return renderTable([]string{"Format", "Result", "Location"}, rows, nil)
}

func exportErrorText(err error) string {
	if msg := backend.MessageOf(err); msg != "" {
		return msg
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 1, 64) + "s"
}
