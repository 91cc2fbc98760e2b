package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/chat"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/store"
	"microscopy-analyzer/internal/sysinfo"

	"github.com/spf13/cobra"
)

func HistoryCmd(cfgPath string) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "history [analysis-id]",
		Short: "List past analyses, or show one with its chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := store.NewStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return showAnalysis(out, st, args[0])
			}

			userID := ""
			if !all {
				user, ok := auth.NewConfigProvider(cfg).CurrentUser()
				if !ok {
					return fmt.Errorf("not paired, use --all to list every analysis on this client")
				}
				userID = user.ID
			}
			records, err := st.ListAnalyses(userID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No analyses yet.")
				return nil
			}
			printHistory(out, records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of analyses to show")
	cmd.Flags().BoolVar(&all, "all", false, "include analyses of every account")
	return cmd
}

func printHistory(out io.Writer, records []store.AnalysisRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFINISHED\tSAMPLE\tSTATUS\tDETAIL")
	for _, r := range records {
		detail := r.Error
		if r.Result != nil {
			detail = fmt.Sprintf("count %g, %g M/ml", r.Result.SpermCount, r.Result.Concentration)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.FinishedAt.Local().Format("2006-01-02 15:04"), r.SourceName, r.Status, detail)
	}
	w.Flush()
}

func showAnalysis(out io.Writer, st *store.Store, id string) error {
	rec, err := st.GetAnalysis(id)
	if err != nil {
		return fmt.Errorf("analysis %s: %w", id, err)
	}
	fmt.Fprint(out, chat.ResultContext(rec))
	if rec.MediaURL != "" {
		fmt.Fprintf(out, "Media: %s\n", rec.MediaURL)
	}
	if rec.Attempts > 1 {
		fmt.Fprintf(out, "Attempts: %d\n", rec.Attempts)
	}

	msgs, err := st.ChatHistory(id, chat.HistoryLimit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "\nQ: %s\nA: %s\n", m.Question, m.Answer)
	}
	return nil
}

func ChatCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <analysis-id> <question>",
		Short: "Ask the assistant about an analysis",
		Long: "Asks a question about a stored analysis. The assistant explains values and\n" +
			"reference ranges; it does not diagnose. Always consult a physician.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Chat.APIKey == "" {
				return fmt.Errorf("chat.api_key is not configured")
			}
			st, err := store.NewStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			assistant := chat.NewAssistant(cfg.Chat, st, auth.NewConfigProvider(cfg), logger)
			answer, err := assistant.Ask(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}

func InfoCmd(cfgPath string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show host and pairing details",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data, _ := sysinfo.Collect(cfg.Capture.Dir)
			data["config"] = cfgPath
			data["endpoint"] = cfg.Endpoint
			data["storage"] = cfg.Storage.Backend
			data["watch_path"] = cfg.WatchPath
			data["device_id"] = cfg.DeviceID
			if user, ok := auth.NewConfigProvider(cfg).CurrentUser(); ok {
				data["account"] = displayName(user)
			} else {
				data["account"] = "not paired"
			}
			fmt.Fprint(cmd.OutOrStdout(), sysinfo.Format(data))
			return nil
		},
	}
}
