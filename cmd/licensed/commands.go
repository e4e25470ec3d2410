package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/server"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

var (
	actorID      string
	keyFlag      string
	emailFlag    string
	usernameFlag string
	validityDays int
)

var out io.Writer = os.Stdout

// withApp loads configuration, builds the engine and runs fn against it.
func withApp(ctx context.Context, fn func(*server.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLicense(app *server.App, l *licensing.License) error {
	return printJSON(licensing.NewSnapshot(l, app.Deps.Clock.Now()))
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one expiry scanner pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			report, err := app.Scanner.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var approveKeyCmd = &cobra.Command{
	Use:   "approve-key",
	Short: "Approve an activation key for a user who may not exist yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			pending, formatted, err := app.Activation.Approve(cmd.Context(), actorID, lifecycle.ApproveRequest{
				Key:          keyFlag,
				Username:     usernameFlag,
				Email:        emailFlag,
				ValidityDays: validityDays,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"key": formatted, "activation_key": pending})
		})
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <username>",
	Short: "Activate a user's license with a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyFlag == "" {
			return fmt.Errorf("--key is required")
		}
		return withApp(cmd.Context(), func(app *server.App) error {
			lic, err := app.Licenses.Activate(cmd.Context(), actorID, args[0], keyFlag, validityDays)
			if err != nil {
				return err
			}
			return printLicense(app, lic)
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <username>",
	Short: "Block a user's license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			lic, err := app.Licenses.Block(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printLicense(app, lic)
		})
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <username>",
	Short: "Suspend a user's license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			lic, err := app.Licenses.Suspend(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printLicense(app, lic)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{approveKeyCmd, activateCmd, blockCmd, suspendCmd} {
		c.Flags().StringVar(&actorID, "actor", "cli", "operator recorded in the audit log")
	}
	for _, c := range []*cobra.Command{approveKeyCmd, activateCmd} {
		c.Flags().StringVar(&keyFlag, "key", "", "activation key")
		c.Flags().IntVar(&validityDays, "days", 0, "validity in days (0 selects the default)")
	}
	approveKeyCmd.Flags().StringVar(&usernameFlag, "username", "", "username the key is issued to")
	approveKeyCmd.Flags().StringVar(&emailFlag, "email", "", "email the key is issued to")
}
