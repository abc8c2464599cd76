package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/api"
	"github.com/JakeFAU/tracksync/internal/clock/system"
	"github.com/JakeFAU/tracksync/internal/config"
	"github.com/JakeFAU/tracksync/internal/control"
	"github.com/JakeFAU/tracksync/internal/id/uuid"
	"github.com/JakeFAU/tracksync/internal/logging"
	"github.com/JakeFAU/tracksync/internal/policy/ratelimit"
	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/runner"
	"github.com/JakeFAU/tracksync/internal/server"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Exit codes for batch runs.
const (
	exitFailed    = 1
	exitCancelled = 130
)

type runOptions struct {
	offset       int
	limit        int
	includeAlbum bool
	label        string
	spotify      bool
	output       string
	verbose      bool
	dryRun       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <csv-file | playlist-url>",
		Short: "Sync one track list and exit",
		Long: `Reads the track list, skips entries already in the library, and fetches
the rest. Progress is logged to stderr; a summary line goes to stdout.
Interrupt once to cancel after the current track. On Unix, SIGUSR1 pauses
the run and a second SIGUSR1 resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if opts.output != "" {
				cfg.Library.Dir = opts.output
			}
			if !cmd.Flags().Changed("include-album") {
				opts.includeAlbum = cfg.Runs.IncludeAlbum
			}
			logger, err := logging.Console(opts.verbose)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cfg, opts, args[0], logger, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.offset, "offset", 1, "1-based position of the first track")
	flags.IntVar(&opts.limit, "limit", 0, "maximum number of tracks (0 for all)")
	flags.BoolVar(&opts.includeAlbum, "include-album", false, "include the album in identity keys and queries")
	flags.StringVar(&opts.label, "label", "", "run label; names the playlist manifest")
	flags.BoolVar(&opts.spotify, "spotify", false, "treat the argument as a Spotify playlist reference")
	flags.StringVarP(&opts.output, "output", "o", "", "library directory (overrides library.dir)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every item start")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print each track's search query without fetching")
	return cmd
}

// runBatch executes one run in the foreground. Cancelling ctx cancels the run
// at its next checkpoint; the run then finishes normally.
func runBatch(ctx context.Context, cfg config.Config, opts *runOptions, arg string, logger *zap.Logger, out io.Writer) error {
	components, err := server.BuildComponents(ctx, cfg, logger.Named("setup"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := components.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("component cleanup failed", zap.Error(closeErr))
		}
	}()

	src := api.Source{Kind: api.SourceCSV, Path: arg}
	if opts.spotify || looksLikePlaylist(arg) {
		src = api.Source{Kind: api.SourceSpotify, URL: arg}
	}
	factory, err := components.Builder()(src)
	if err != nil {
		return err
	}

	req := tracks.RunRequest{
		Label:        opts.label,
		Offset:       opts.offset,
		Limit:        opts.limit,
		IncludeAlbum: opts.includeAlbum,
	}.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	if opts.dryRun {
		return dryRun(ctx, components, factory, req, cfg.Fetch.SearchPrefix, logger, out)
	}

	runID, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	clock := system.New()
	token := control.New(cfg.PausePoll())
	r, err := runner.New(runner.Config{
		RunID:   runID,
		Request: req,
		Logger:  logger.Named("runner"),
	}, runner.Deps{
		Factory: factory,
		Store:   components.Store,
		Probe:   components.Probe,
		Limiter: ratelimit.NewWindow(ratelimit.Config{
			Limit:        cfg.Runs.RatePerHour,
			Window:       cfg.RateWindow(),
			PollInterval: cfg.RatePoll(),
			Clock:        clock,
			Sleeper:      clock,
		}),
		Token:    token,
		Clock:    clock,
		Manifest: components.Manifest,
		Callback: consoleReporter(logger),
	})
	if err != nil {
		return err
	}

	stopWatch := context.AfterFunc(ctx, func() {
		logger.Warn("interrupt received, cancelling after the current track")
		token.Cancel()
	})
	defer stopWatch()
	defer watchPause(ctx, token, logger)()

	// The run itself ignores ctx; cancellation flows through the token so the
	// completion mapping and manifest are still written.
	state := r.Run(context.WithoutCancel(ctx))
	snap := r.Snapshot()
	fmt.Fprintf(out, "%s: %s downloaded=%d skipped=%d failed=%d total=%d\n",
		displayLabel(snap), snap.State, snap.Downloaded, snap.Skipped, snap.Failed, snap.Total)
	if snap.Manifest != "" {
		fmt.Fprintf(out, "manifest: %s\n", snap.Manifest)
	}
	return stateError(state, snap.Error)
}

func stateError(state tracks.RunState, msg string) error {
	switch state {
	case tracks.RunCompleted:
		return nil
	case tracks.RunCancelled:
		return &exitError{code: exitCancelled, msg: "run cancelled"}
	default:
		if msg == "" {
			msg = string(state)
		}
		return &exitError{code: exitFailed, msg: "run failed: " + msg}
	}
}

func togglePause(token *control.Token, logger *zap.Logger) {
	if token.Paused() {
		token.Resume()
		logger.Info("resumed")
		return
	}
	token.Pause()
	logger.Warn("paused after the current track; signal again to resume")
}

func looksLikePlaylist(arg string) bool {
	return strings.HasPrefix(arg, "spotify:") || strings.Contains(arg, "open.spotify.com/")
}

func displayLabel(s progress.Snapshot) string {
	if s.Label != "" {
		return s.Label
	}
	return s.RunID
}

// consoleReporter logs run events for an interactive terminal.
func consoleReporter(logger *zap.Logger) func(progress.Event) {
	logger = logger.Named("progress")
	return func(ev progress.Event) {
		position := fmt.Sprintf("%d/%d", ev.Index, ev.Total)
		switch ev.Kind {
		case progress.KindFileStart:
			logger.Info("starting", zap.String("label", ev.Description), zap.Int("total", ev.Total))
		case progress.KindItemStart:
			logger.Debug("working", zap.String("at", position), zap.String("track", ev.Description))
		case progress.KindItemFinish:
			logger.Info(string(ev.Status),
				zap.String("at", position),
				zap.String("track", ev.Description),
				zap.Strings("files", ev.Locators),
			)
		case progress.KindItemError:
			logger.Warn(string(ev.Status),
				zap.String("at", position),
				zap.String("track", ev.Description),
				zap.String("reason", ev.Error),
			)
		case progress.KindRunFinish:
			if ev.Snapshot == nil {
				return
			}
			logger.Info("finished",
				zap.String("state", string(ev.Snapshot.State)),
				zap.Int("downloaded", ev.Snapshot.Downloaded),
				zap.Int("skipped", ev.Snapshot.Skipped),
				zap.Int("failed", ev.Snapshot.Failed),
			)
		}
	}
}
