package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"microscopy-analyzer/internal/auth"
	"microscopy-analyzer/internal/config"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

const appDirName = "mscope"

// Default paths based on OS and privileges
func getDefaultInstallDir() string {
	if runtime.GOOS == "windows" {
		if isAdmin() {
			return `C:\ProgramData\` + appDirName
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDirName)
		}
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, appDirName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, appDirName)
	}

	// Linux / macOS
	if isAdmin() {
		return "/opt/" + appDirName
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, appDirName)
}

// Check if running as Admin/Root
func isAdmin() bool {
	if runtime.GOOS == "windows" {
		_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		return err == nil
	}
	currentUser, err := user.Current()
	if err != nil {
		return false
	}
	return currentUser.Uid == "0"
}

// prompter reads answers line by line, falling back to the shown default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) ask(label, defaultValue string) string {
	fmt.Fprintf(p.out, "%s [%s]: ", label, defaultValue)
	input, _ := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// copyFile copies a file from src to dst, keeping its permissions.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err == nil {
		err = os.Chmod(dst, info.Mode())
	}
	return err
}

// configure fills a fresh config for targetDir from the operator's answers.
// Paths are absolute so the service finds them regardless of its working
// directory.
func configure(p *prompter, targetDir, cfgPath string) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	deviceID, _ := auth.DeviceID()
	if deviceID == "" {
		deviceID = "mscope-001"
	}
	cfg.DeviceID = p.ask("Device ID", deviceID)
	cfg.Endpoint = p.ask("Analysis API endpoint", cfg.Endpoint)
	cfg.WebClientURL = p.ask("Web client URL", cfg.WebClientURL)

	fmt.Fprintln(p.out, "\n--- Object Storage ---")
	fmt.Fprintln(p.out, "Samples are uploaded here before analysis.")
	fmt.Fprintln(p.out, "  minio: any S3 compatible server (MinIO, Ceph, ...).")
	fmt.Fprintln(p.out, "  s3:    AWS S3, credentials from the keys below or the AWS environment.")
	backend := strings.ToLower(p.ask("Storage backend (minio/s3)", cfg.Storage.Backend))
	if backend != "minio" && backend != "s3" {
		fmt.Fprintf(p.out, "Invalid choice '%s', defaulting to '%s'\n", backend, config.DefaultStorageBackend)
		backend = config.DefaultStorageBackend
	}
	cfg.Storage.Backend = backend
	if backend == "s3" {
		cfg.Storage.Region = p.ask("Region", cfg.Storage.Region)
		cfg.Storage.Endpoint = ""
	} else {
		cfg.Storage.Endpoint = p.ask("Storage endpoint", cfg.Storage.Endpoint)
		cfg.Storage.UseSSL = strings.EqualFold(p.ask("Use TLS (y/n)", "n"), "y")
	}
	cfg.Storage.Bucket = p.ask("Bucket", cfg.Storage.Bucket)
	cfg.Storage.AccessKeyID = p.ask("Access key ID", cfg.Storage.AccessKeyID)
	cfg.Storage.SecretAccessKey = p.ask("Secret access key", cfg.Storage.SecretAccessKey)

	cfg.WatchPath = filepath.Join(targetDir, "inbox")
	cfg.Capture.Dir = filepath.Join(targetDir, "captures")
	cfg.LogPath = filepath.Join(targetDir, "mscope.log")
	cfg.DBPath = filepath.Join(targetDir, "mscope.db")
	return cfg, nil
}

func InstallCmd(s service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Interactive installer for the service",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			p := newPrompter(cmd.InOrStdin(), out)

			fmt.Fprintln(out, "=== Microscopy Analyzer Installer ===")
			fmt.Fprintln(out, "Tip: Press [Enter] to accept the default value shown in brackets [].")

			amAdmin := isAdmin()

			// 1. Admin Check
			if !amAdmin {
				fmt.Fprintln(out, "⚠️  Warning: You are not running as Administrator/Root.")
				fmt.Fprintln(out, "   Installing a system service typically requires elevated privileges.")
				if runtime.GOOS == "windows" {
					fmt.Fprintln(out, "   On Windows, service registration will be SKIPPED if you continue.")
					fmt.Fprintln(out, "   The application will be installed, but you must run it manually via 'mscope run'.")
				} else {
					fmt.Fprintln(out, "   If this fails, please run with 'sudo'.")
				}
				if !strings.EqualFold(p.ask("   Continue anyway? (y/N)", "N"), "y") {
					fmt.Fprintln(out, "Aborted.")
					return
				}
			}

			// 2. Determine Install Location
			targetDir := p.ask("Install Directory", getDefaultInstallDir())
			if err := os.MkdirAll(targetDir, 0755); err != nil {
				fmt.Fprintf(out, "❌ Error creating directory %s: %v\n", targetDir, err)
				return
			}

			// 3. Self-Copy Binary
			currentExe, err := os.Executable()
			if err != nil {
				fmt.Fprintf(out, "❌ Error finding current executable: %v\n", err)
				return
			}
			targetExe := filepath.Join(targetDir, filepath.Base(currentExe))

			realCurrent, _ := filepath.EvalSymlinks(currentExe)
			realTarget, _ := filepath.EvalSymlinks(targetExe)
			if realCurrent != realTarget {
				fmt.Fprintf(out, "-> Copying binary to %s...\n", targetExe)
				os.Remove(targetExe)
				if err := copyFile(currentExe, targetExe); err != nil {
					fmt.Fprintf(out, "❌ Error copying binary: %v\n", err)
					return
				}
			} else {
				fmt.Fprintln(out, "-> Binary is already in target location. Skipping copy.")
			}

			// 4. Generate Config
			targetConfigPath := filepath.Join(targetDir, "config.json")
			var cfg *config.Config
			if _, err := os.Stat(targetConfigPath); err == nil {
				fmt.Fprintf(out, "-> Found existing config at %s. Skipping configuration.\n", targetConfigPath)
				cfg, err = config.Load(targetConfigPath)
				if err != nil {
					fmt.Fprintf(out, "⚠️  Warning: Could not load existing config: %v\n", err)
				}
			} else {
				fmt.Fprintln(out, "-> Generating new configuration...")
				cfg, err = configure(p, targetDir, targetConfigPath)
				if err != nil {
					fmt.Fprintf(out, "❌ Error preparing config: %v\n", err)
					return
				}
				for _, dir := range []string{cfg.WatchPath, cfg.Capture.Dir} {
					os.MkdirAll(dir, 0755)
				}
				if err := config.Save(targetConfigPath, cfg); err != nil {
					fmt.Fprintf(out, "❌ Error saving config: %v\n", err)
					return
				}
				fmt.Fprintln(out, "-> Configuration saved.")
			}

			// 5. Pairing
			if cfg != nil {
				if _, ok := auth.NewConfigProvider(cfg).CurrentUser(); !ok {
					fmt.Fprintln(out, "\n-> Client not paired. Initiating pairing sequence...")
					ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
					account, err := pairDevice(ctx, cfg, targetConfigPath, out)
					stop()
					if err != nil {
						fmt.Fprintf(out, "⚠️  Pairing skipped: %v\n", err)
						fmt.Fprintln(out, "   Proceeding with installation (unpaired). Run 'mscope pair' later.")
					} else {
						fmt.Fprintf(out, "   Signed in as %s.\n", displayName(account))
					}
				}
			}

			// 6. Register Service (pointing to the installed binary)
			if runtime.GOOS == "windows" && !amAdmin {
				fmt.Fprintln(out, "\n-> Skipping Service Registration (Not Admin).")
				fmt.Fprintln(out, "   Installation is complete, but the background service was NOT registered.")
				fmt.Fprintln(out, "   To run the service, open a terminal and run:")
				fmt.Fprintf(out, "   %s run\n", targetExe)
				return
			}

			// s is bound to the current executable, so a copied binary
			// registers itself through the hidden service-install command.
			if realCurrent != realTarget {
				fmt.Fprintln(out, "-> Registering service via installed binary...")
				reg := exec.Command(targetExe, "service-install")
				reg.Stdout = os.Stdout
				reg.Stderr = os.Stderr
				if err := reg.Run(); err != nil {
					fmt.Fprintf(out, "❌ Failed to register service: %v\n", err)
					return
				}
			} else {
				fmt.Fprintln(out, "-> Registering service...")
				if err := installService(s); err != nil {
					fmt.Fprintf(out, "❌ Service install failed: %v\n", err)
				}
			}

			// 7. Start Service. kardianos/service controls it by name.
			fmt.Fprintln(out, "-> Starting service...")
			if err := s.Start(); err != nil {
				fmt.Fprintf(out, "⚠️  Service start failed (it might be running): %v\n", err)
			} else {
				fmt.Fprintln(out, "✅ Service started successfully!")
			}

			fmt.Fprintln(out, "\nInstallation Complete!")
			if cfg != nil {
				fmt.Fprintf(out, "Logs:   %s\n", cfg.LogPath)
				fmt.Fprintf(out, "Config: %s\n", targetConfigPath)
				fmt.Fprintf(out, "Inbox:  %s  <-- PUT SAMPLES HERE\n", cfg.WatchPath)
			}
		},
	}
}

// installService registers s, replacing a stale definition.
func installService(s service.Service) error {
	err := s.Install()
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		return err
	}
	fmt.Println("Service definition already exists. Reinstalling...")
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall existing service: %w", err)
	}
	return s.Install()
}

// Hidden command to actually perform the registration logic from the correct path
func ServiceInstallCmd(s service.Service) *cobra.Command {
	return &cobra.Command{
		Use:    "service-install",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			if err := installService(s); err != nil {
				fmt.Printf("Internal Install Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Internal Service Registration Successful.")
		},
	}
}
