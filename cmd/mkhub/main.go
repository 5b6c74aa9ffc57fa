// Command mkhub ingests the Squad Queue schedule and sends lounge and SQ push notifications.
//
// Usage:
//
//	mkhub run --config ./config.json
//	mkhub parse announcements.txt
//	mkhub check --at 2026-02-06T13:55:00+01:00
//	mkhub stats
//	mkhub vapid
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mkhub/internal/app"
	"mkhub/internal/config"
	"mkhub/internal/httpapi"
	"mkhub/internal/push"
	"mkhub/internal/schedule"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "mkhub",
		Short:         "SQ schedule ingestion and push-notification dispatcher",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if f.envFile != "" {
				return godotenv.Load(f.envFile)
			}
			// A missing default .env is fine.
			_ = godotenv.Load(".env")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", "", "dotenv file to load before reading config")

	root.AddCommand(
		runCmd(f),
		parseCmd(),
		checkCmd(f),
		statsCmd(f),
		vapidCmd(),
		tokenCmd(f),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the hub until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, f.configPath, app.Options{})
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				} else {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse schedule announcements from a file or stdin and print the entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			if len(args) == 1 && args[0] != "-" {
				b, err = os.ReadFile(args[0])
			} else {
				b, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			text := string(b)
			if schedule.MentionSkipped(text) {
				return errors.New("text contains a mass mention; chat ingestion would skip it")
			}
			entries := schedule.NewParser().ParseMessage(text)
			if entries == nil {
				entries = []schedule.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

// offline builds the notification core without chat sources or listeners.
func offline(ctx context.Context, f *rootFlags, fn func(a *app.App) error) error {
	a, err := app.NewApp(ctx, f.configPath, app.Options{Offline: true})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopCommand)
	}()
	return fn(a)
}

func checkCmd(f *rootFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the lounge and SQ windows once and send what is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return offline(cmd.Context(), f, func(a *app.App) error {
				res, err := a.Notify().CheckAndSend(cmd.Context(), now)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	return cmd
}

func statsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print subscription counts and recent notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return offline(cmd.Context(), f, func(a *app.App) error {
				st, err := a.Notify().Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := push.GenerateKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}

func tokenCmd(f *rootFlags) *cobra.Command {
	var (
		ttl     time.Duration
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with http.admin_jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(f.configPath).Load()
			if err != nil {
				return err
			}
			tok, err := httpapi.IssueAdminToken(cfg.HTTP.AdminJWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	return cmd
}
