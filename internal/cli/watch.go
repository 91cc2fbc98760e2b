package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/media"
	"microscopy-analyzer/internal/watcher"

	"github.com/spf13/cobra"
)

// WatchCmd follows a folder in the foreground and reports which dropped
// files would be accepted for analysis. Nothing is queued or uploaded.
func WatchCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Check samples dropped into a folder without analyzing them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			dir := cfg.WatchPath
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			w, err := watcher.NewWatcher(dir, config.Duration(cfg.DebounceDuration, 500*time.Millisecond), func(path string) {
				mu.Lock()
				defer mu.Unlock()
				reportSample(out, path)
			}, logger)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(out, "Watching %s. Press Ctrl+C to stop.\n", dir)
			<-ctx.Done()
			return nil
		},
	}
}

func reportSample(out io.Writer, path string) {
	asset, err := media.LoadFile(path)
	if err != nil {
		fmt.Fprintf(out, "✗ %s: %v\n", path, err)
		return
	}
	fmt.Fprintf(out, "✓ %s (%s, %s, %d bytes)\n", path, asset.Kind, asset.MimeType, asset.ByteSize)
}
