package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"sky-mosaic/internal/mosaic"
	"sky-mosaic/internal/sky"
	"sky-mosaic/internal/taskqueue"
)

// queueDir is the folder under the batch output that holds queue state.
const queueDir = ".queue"

// targetsFile is the TOML layout read by the batch command:
//
//	[[target]]
//	name = "m31"
//	ra = 10.6847
//	dec = 41.2689
//	obs_time = "2025-10-04 11:31:02"
type targetsFile struct {
	Targets []taskqueue.Target `toml:"target"`
}

// loadTargets reads a targets file. Unnamed targets are named after their
// coordinates.
func loadTargets(path string) ([]taskqueue.Target, error) {
	var tf targetsFile
	md, err := toml.DecodeFile(path, &tf)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("read targets: unknown keys %v", undecoded)
	}
	if len(tf.Targets) == 0 {
		return nil, fmt.Errorf("read targets: no [[target]] entries in %s", path)
	}

	seen := make(map[string]bool, len(tf.Targets))
	for i := range tf.Targets {
		t := &tf.Targets[i]
		if t.Name == "" {
			t.Name = sky.RegionName(sky.New(t.RA, t.Dec))
		}
		if t.Name != filepath.Base(t.Name) || t.Name == "." || t.Name == ".." || t.Name == queueDir {
			return nil, fmt.Errorf("read targets: invalid target name %q", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("read targets: duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if _, err := sky.ParseObsTime(t.ObsTime); err != nil {
			return nil, fmt.Errorf("read targets: %s: %w", t.Name, err)
		}
	}
	return tf.Targets, nil
}

func newBatchCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "batch TARGETS.toml",
		Short: "Build one mosaic per target, resuming an interrupted batch",
		Long: `Queues every [[target]] of the file and builds their mosaics one after another,
each in its own folder under --out. Queue state lives in <out>/.queue so running
the same command again skips finished targets and continues with the rest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, a, opts, args[0], retryFailed)
		},
	}
	addMosaicFlags(cmd, opts)
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "requeue targets that failed in a previous run")
	return cmd
}

func runBatch(cmd *cobra.Command, a *app, opts *generateOptions, targetsPath string, retryFailed bool) error {
	opts.applySettings(a)
	targets, err := loadTargets(targetsPath)
	if err != nil {
		return err
	}
	log := a.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set before each Generate call; tasks run one at a time.
	var progress taskqueue.ProgressFunc
	p, err := newPipeline(a, opts, func(pr mosaic.Progress) {
		if pr.Err != nil {
			log.Warn().Err(pr.Err).Int("tile", pr.TileID).Msg("tile failed")
		}
		if progress != nil {
			progress(pr.Done, pr.Total, pr.Err != nil)
		}
	})
	if err != nil {
		return err
	}
	defer p.Close()

	exec := taskqueue.ExecutorFunc(func(ctx context.Context, task *taskqueue.MosaicTask, fn taskqueue.ProgressFunc) (string, error) {
		o := *opts
		o.ra, o.dec, o.obsTime = task.Target.RA, task.Target.Dec, task.Target.ObsTime
		o.out = filepath.Join(opts.out, task.Target.Name)
		spec, err := o.spec()
		if err != nil {
			return "", err
		}
		progress = fn
		defer func() { progress = nil }()

		report, err := p.gen.Generate(ctx, spec, o.out)
		if err != nil {
			return o.out, err
		}
		if !report.OK() {
			return o.out, tilesFailedError(report)
		}
		return o.out, nil
	})

	queue, err := taskqueue.NewQueueManager(filepath.Join(opts.out, queueDir), exec,
		taskqueue.WithLogger(log),
		taskqueue.OnTaskComplete(func(t *taskqueue.MosaicTask) {
			printTask(cmd, t)
		}))
	if err != nil {
		return err
	}
	for _, t := range targets {
		if queue.FindByName(t.Name) != nil {
			continue
		}
		if err := queue.AddTask(taskqueue.NewMosaicTask(t)); err != nil {
			return err
		}
	}
	if retryFailed {
		n, err := queue.RetryFailed()
		if err != nil {
			return err
		}
		log.Info().Int("tasks", n).Msg("requeued failed targets")
	}

	if err := queue.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("batch interrupted, run again to resume")
		}
		return err
	}

	status := queue.GetStatus()
	fmt.Fprintf(cmd.OutOrStdout(), "batch: %d of %d targets completed\n", status.CompletedTasks, status.TotalTasks)
	if status.FailedTasks > 0 {
		return &exitError{
			code: exitFailure,
			err:  fmt.Errorf("%d targets failed, rerun with --retry-failed", status.FailedTasks),
		}
	}
	return nil
}

func printTask(cmd *cobra.Command, t *taskqueue.MosaicTask) {
	out := cmd.OutOrStdout()
	switch t.Status {
	case taskqueue.TaskStatusCompleted:
		fmt.Fprintf(out, "  %-20s done    %s\n", t.Target.Name, t.OutputPath)
	default:
		fmt.Fprintf(out, "  %-20s %-7s %s\n", t.Target.Name, t.Status, t.Error)
	}
}

func newQueueCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or edit the batch queue under --out",
	}
	cmd.PersistentFlags().StringVarP(&out, "out", "o", "", "batch output folder (default from settings)")
	open := func() (*taskqueue.QueueManager, error) {
		if out == "" {
			out = a.settings.Mosaic.OutputPath
		}
		return taskqueue.NewQueueManager(filepath.Join(out, queueDir), nil, taskqueue.WithLogger(a.log))
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show every queued target and its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := open()
			if err != nil {
				return err
			}
			for _, t := range queue.GetAllTasks() {
				printTask(cmd, t)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Forget completed targets so the next batch builds them again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := open()
			if err != nil {
				return err
			}
			return queue.ClearCompleted()
		},
	}, &cobra.Command{
		Use:   "remove NAME",
		Short: "Drop one target from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := open()
			if err != nil {
				return err
			}
			t := queue.FindByName(args[0])
			if t == nil {
				return fmt.Errorf("no queued target named %q", args[0])
			}
			return queue.DeleteTask(t.ID)
		},
	})
	return cmd
}
