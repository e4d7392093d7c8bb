package main

import (
	"context"
	"os"

	"emconsole/cmd/internal/app"
	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/spf13/cobra"
)

var (
	envFiles []string
	username string
	password string
)

// NewRootCmd returns the emconsole command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "emconsole",
		Short:         "Energy-management console: live metering and support chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (default .env, .env.local)")
	root.PersistentFlags().StringVarP(&username, "user", "u", "", "log in with this username")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "password for --user (or EMC_PASSWORD)")

	root.AddCommand(newMonitorCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSimulateCmd())
	return root
}

func credentials() app.Credentials {
	pw := password
	if pw == "" {
		pw = os.Getenv("EMC_PASSWORD")
	}
	return app.Credentials{Username: username, Password: pw}
}

// run builds the App and runs work inside its lifecycle with signal cancellation.
func run(cmd *cobra.Command, work func(ctx context.Context, a *app.App) error) error {
	a, err := app.Setup(envFiles...)
	if err != nil {
		return err
	}
	ctx, cancel := app.SignalContext(cmd.Context())
	defer cancel()
	return a.Run(ctx, func(ctx context.Context) error { return work(ctx, a) })
}

func newMonitorCmd() *cobra.Command {
	var opts app.MonitorOptions
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow a device's daily consumption as measurements arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Credentials = credentials()
			opts.Out = cmd.OutOrStdout()
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Monitor(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "device id (default: first device of the user)")
	cmd.Flags().StringVar(&opts.Date, "date", "", "day to show as YYYY-MM-DD (default: today)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		opts app.ChatOptions
		role string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the support chat as a client or as an admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := v1.ParseRole(role)
			if err != nil {
				return err
			}
			opts.Role = r
			opts.Credentials = credentials()
			if opts.Username == "" {
				opts.Username = opts.Credentials.Username
			}
			opts.In = cmd.InOrStdin()
			opts.Out = cmd.OutOrStdout()
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Chat(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "chat user id, a UUID (default: random)")
	cmd.Flags().StringVar(&opts.Username, "name", "", "display name (default: --user or generated)")
	cmd.Flags().StringVar(&role, "role", string(v1.RoleClient), "CLIENT or ADMIN (ignored after login)")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Serve local metering, chat and REST endpoints with generated readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Simulate(ctx)
			})
		},
	}
}
