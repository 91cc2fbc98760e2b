package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"microscopy-analyzer/internal/capture"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/daemon"
	"microscopy-analyzer/internal/failure"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/pipeline"
	"microscopy-analyzer/internal/store"

	"github.com/spf13/cobra"
)

func AnalyzeCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Upload a photo or video and wait for its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			// Validate before touching storage or the network.
			asset, err := media.LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := daemon.Build(ctx, cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			snap, err := runSession(ctx, c.Machine, asset, retries, cmd.OutOrStdout())
			printOutcome(cmd.OutOrStdout(), snap)
			if failure.KindOf(err) == failure.KindNotAuthenticated {
				return fmt.Errorf("%w (run `mscope pair` first)", err)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry a failed upload or analysis this many times")
	return cmd
}

func CaptureCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	var (
		duration time.Duration
		analyze  bool
		retries  int
	)
	cmd := &cobra.Command{
		Use:       "capture photo|video",
		Short:     "Capture a sample from the microscope camera",
		Long:      "Takes a photo or records a video from the configured device. Without --analyze\nthe capture is queued for the service.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(capture.ModePhoto), string(capture.ModeVideo)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			mode := capture.Mode(args[0])

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dev := &capture.CommandDevice{
				DevicePath:   cfg.Capture.DevicePath,
				StillCommand: cfg.Capture.StillCommand,
				StillMime:    cfg.Capture.StillMime,
				VideoCommand: cfg.Capture.VideoCommand,
				VideoMime:    cfg.Capture.VideoMime,
			}
			stopRec := make(chan struct{})
			if mode == capture.ModeVideo {
				go stopRecording(cmd.InOrStdin(), out, duration, stopRec)
			}

			asset, err := capture.NewCapturer(dev, logger).Capture(ctx, mode, stopRec)
			if err != nil {
				return err
			}
			path, err := capture.Save(cfg.Capture.Dir, asset)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved %s (%d bytes).\n", path, asset.ByteSize)
			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			if !analyze {
				st, err := store.NewStore(cfg.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.RegisterCapture(path, info.Size(), info.ModTime()); err != nil {
					return err
				}
				fmt.Fprintln(out, "Queued for analysis by the service.")
				return nil
			}

			c, err := daemon.Build(ctx, cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			snap, runErr := runSession(ctx, c.Machine, asset, retries, out)
			printOutcome(out, snap)

			rec := store.CaptureRecord{Path: path, Size: info.Size(), ModTime: info.ModTime(), Status: store.CaptureFailed}
			if snap.Phase == pipeline.PhaseCompleted {
				rec.Status = store.CaptureAnalyzed
			}
			if snap.SessionID != "" {
				rec.AnalysisID = sql.NullString{String: snap.SessionID, Valid: true}
				rec.AnalyzedAt = sql.NullTime{Time: time.Now(), Valid: true}
			}
			if err := c.Store.SaveCapture(rec); err != nil {
				logger.Error("Failed to record capture", "path", path, "error", err)
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop a video after this long (default: press Enter)")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "analyze the capture right away")
	cmd.Flags().IntVar(&retries, "retries", 0, "retry a failed upload or analysis this many times")
	return cmd
}

// stopRecording closes stop after d, or when Enter is pressed if d is zero.
func stopRecording(in io.Reader, out io.Writer, d time.Duration, stop chan<- struct{}) {
	if d > 0 {
		fmt.Fprintf(out, "Recording for %s...\n", d)
		time.Sleep(d)
	} else {
		fmt.Fprintln(out, "Recording... press Enter to stop.")
		bufio.NewReader(in).ReadString('\n')
	}
	close(stop)
}

// retryable kinds can succeed on a second attempt.
func retryable(k failure.Kind) bool {
	switch k {
	case failure.KindUploadFailure, failure.KindRemoteTimeout, failure.KindRemoteError:
		return true
	}
	return false
}

// runSession runs asset through m, printing progress to out and retrying
// transient failures. Interrupting ctx cancels the session.
func runSession(ctx context.Context, m *pipeline.Machine, asset media.Asset, retries int, out io.Writer) (pipeline.Snapshot, error) {
	unsubscribe := m.Subscribe(newProgressPrinter(out))
	defer unsubscribe()

	snap, err := m.Run(ctx, asset)
	for attempt := 1; attempt <= retries && err != nil && ctx.Err() == nil && retryable(snap.ErrorKind); attempt++ {
		fmt.Fprintf(out, "Retrying (%d/%d)...\n", attempt, retries)
		if err = m.Retry(ctx); err != nil {
			return m.Snapshot(), err
		}
		snap, err = m.Wait(ctx)
	}

	if ctx.Err() != nil && snap.SessionID != "" {
		m.Cancel()
		snap, err = m.Wait(context.Background())
		if err == nil {
			err = ctx.Err()
		}
	}
	return snap, err
}

// newProgressPrinter reports phase changes, upload progress in 10% steps
// and processing stages.
func newProgressPrinter(out io.Writer) pipeline.Observer {
	var (
		phase pipeline.Phase
		step  = -1
		stage string
	)
	return pipeline.ObserverFunc(func(s pipeline.Snapshot) {
		if s.Phase != phase {
			phase = s.Phase
			switch s.Phase {
			case pipeline.PhaseUploading:
				step = -1
				fmt.Fprintf(out, "Uploading %s (attempt %d)...\n", s.Asset.SourceName, s.Attempt)
			case pipeline.PhaseProcessing:
				fmt.Fprintln(out, "Upload complete, analyzing...")
			}
		}
		if p := s.Progress(); s.Phase == pipeline.PhaseUploading && p/10 > step {
			step = p / 10
			fmt.Fprintf(out, "  %3d%%\n", p)
		}
		if st := s.Stage(); st != "" && st != stage {
			stage = st
			fmt.Fprintf(out, "  %s\n", st)
		}
	})
}

func printOutcome(out io.Writer, s pipeline.Snapshot) {
	switch s.Phase {
	case pipeline.PhaseCompleted:
		r := s.Result()
		fmt.Fprintf(out, "\n✅ Analysis %s completed\n", s.SessionID)
		fmt.Fprintf(out, "  Sperm count:    %g\n", r.SpermCount)
		fmt.Fprintf(out, "  Concentration:  %g M/ml\n", r.Concentration)
		fmt.Fprintf(out, "  Average speed:  %g um/s\n", r.SpeedAvg)
		fmt.Fprintf(out, "  Vitality:       %g%%\n", r.Vitality)
		printMap(out, "Motility", r.Motility)
		printMap(out, "Morphology", r.Morphology)
		fmt.Fprintf(out, "Ask about it with: mscope chat %s \"<question>\"\n", s.SessionID)
	case pipeline.PhaseError:
		fmt.Fprintf(out, "\n❌ Analysis failed (%s): %s\n", s.ErrorKind, s.LastError)
	}
}

func printMap(out io.Writer, title string, m map[string]interface{}) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "    %-14s %v\n", k+":", m[k])
	}
}
