package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"microscopy-analyzer/internal/api"
	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"

	"github.com/kardianos/service"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

// pairingPollInterval is how often a shown code is checked.
var pairingPollInterval = 5 * time.Second

var errPairingExpired = errors.New("pairing code expired")

func PairCmd(s service.Service, cfgPath string) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Link this client to your account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			user, err := pairDevice(ctx, cfg, cfgPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", displayName(user))
			if status, err := s.Status(); err == nil && status == service.StatusRunning {
				fmt.Fprintln(cmd.OutOrStdout(), "Run `mscope restart` so the service picks up the account.")
			}
			return nil
		},
	}
}

// pairDevice shows a claim code as a QR code and waits until the code is
// claimed on the web client, then stores the issued credentials.
func pairDevice(ctx context.Context, cfg *config.Config, cfgPath string, out io.Writer) (auth.User, error) {
	if cfg.DeviceID == "" {
		deviceID, _ := auth.DeviceID()
		if deviceID == "" {
			deviceID = "mscope-001"
		}
		cfg.DeviceID = deviceID
	}

	apiClient := api.NewClient(cfg.Endpoint, cfg.APITimeout, "")
	pairingResp, err := apiClient.RequestPairingCode(ctx, cfg.DeviceID)
	if err != nil {
		return auth.User{}, err
	}

	claimURL := fmt.Sprintf("%s/claim/%s", strings.TrimSuffix(cfg.WebClientURL, "/"), pairingResp.Code)
	fmt.Fprintln(out, "\n==========================================")
	fmt.Fprintf(out, " 📱 SCAN TO LINK THIS CLIENT\n")
	fmt.Fprintf(out, " Code: %s\n", pairingResp.Code)
	fmt.Fprintf(out, " URL:  %s\n", claimURL)
	fmt.Fprintln(out, "==========================================")
	qrterminal.GenerateHalfBlock(claimURL, qrterminal.L, out)
	fmt.Fprintln(out, "\nWaiting for the code to be claimed (Ctrl+C to skip)...")

	ticker := time.NewTicker(pairingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return auth.User{}, ctx.Err()
		case <-ticker.C:
		}

		statusResp, err := apiClient.CheckPairingStatus(ctx, cfg.DeviceID, pairingResp.Code)
		if err != nil {
			continue
		}
		switch statusResp.Status {
		case api.PairingStatusExpired:
			return auth.User{}, errPairingExpired
		case api.PairingStatusClaimed:
			user := auth.User{Token: "provisioned"}
			if statusResp.APIKey != nil {
				user.Token = *statusResp.APIKey
			}
			if statusResp.UserID != nil {
				user.ID = *statusResp.UserID
			}
			if statusResp.Email != nil {
				user.Email = *statusResp.Email
			}
			if user.ID == "" {
				user.ID = cfg.DeviceID
			}
			auth.NewConfigProvider(cfg).SignIn(user)
			if err := config.Save(cfgPath, cfg); err != nil {
				return user, fmt.Errorf("failed to save paired config: %w", err)
			}
			fmt.Fprintln(out, "\n✅ Client successfully linked!")
			return user, nil
		}
	}
}

func displayName(u auth.User) string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}
