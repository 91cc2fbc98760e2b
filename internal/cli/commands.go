package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command and all subcommands for the CLI.
func NewRootCmd(s service.Service, logger *slog.Logger, logPath string, cfgPath string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mscope",
		Short: "Microscopy sample analyzer",
		Long: "Uploads microscopy photos and videos for remote analysis, follows the analysis\n" +
			"and keeps the results. Runs interactively or as a service watching a drop folder.",
		SilenceUsage: true,
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the service and forget the pairing",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			// Forget the pairing on uninstall to force re-pairing
			if cfg, err := config.Load(cfgPath); err == nil {
				auth.NewConfigProvider(cfg).SignOut()
				if err := config.Save(cfgPath, cfg); err != nil {
					fmt.Fprintf(out, "Warning: Failed to clear pairing: %v\n", err)
				} else {
					fmt.Fprintln(out, "Pairing cleared.")
				}
			}
			if err := s.Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Fprintln(out, "Service uninstalled.")
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the service in foreground",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Run(); err != nil {
				if logger != nil {
					logger.Error("Run error", "error", err)
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "Run error: %v\n", err)
				}
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := s.Status()
			if err != nil {
				return fmt.Errorf("error getting status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusText(status))
			return nil
		},
	}

	var tail int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(logPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No logs found.")
					return nil
				}
				return fmt.Errorf("error opening log file: %w", err)
			}
			defer f.Close()
			return copyLog(cmd.OutOrStdout(), f, tail)
		},
	}
	logsCmd.Flags().IntVarP(&tail, "tail", "n", 0, "only show the last N lines")

	rootCmd.AddCommand(
		InstallCmd(s),
		ServiceInstallCmd(s), // Hidden command for self-registration
		uninstallCmd,
		controlCmd("start", "Start the service", "Service started.", s.Start),
		controlCmd("stop", "Stop the service", "Service stopped.", s.Stop),
		controlCmd("restart", "Restart the service", "Service restarted.", s.Restart),
		runCmd,
		statusCmd,
		logsCmd,
		PairCmd(s, cfgPath),
		AnalyzeCmd(cfgPath, logger),
		CaptureCmd(cfgPath, logger),
		HistoryCmd(cfgPath),
		ChatCmd(cfgPath, logger),
		InfoCmd(cfgPath),
		WatchCmd(cfgPath, logger),
	)
	return rootCmd
}

// controlCmd wraps a single service manager action.
func controlCmd(use, short, done string, action func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := action(); err != nil {
				return fmt.Errorf("failed to %s: %w", use, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Running"
	case service.StatusStopped:
		return "Stopped"
	default:
		return "Unknown/Other"
	}
}

// copyLog writes r to out, or only its last n lines when n > 0.
func copyLog(out io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		_, err := io.Copy(out, r)
		return err
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		fmt.Fprintln(out, line)
	}
	return nil
}
