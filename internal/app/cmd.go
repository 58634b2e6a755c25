package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd はpushboxのルートコマンドを返す。
// サブコマンド省略時はserveとして動作する。logWriterはJSONログの出力先。
func NewRootCmd(logWriter io.Writer) *cobra.Command {
	serve := newServeCmd(logWriter)

	root := &cobra.Command{
		Use:           "pushbox",
		Short:         "Push notification client daemon for ntfy-compatible servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd(logWriter))
	root.AddCommand(newPublishCmd(logWriter))
	root.AddCommand(newHealthCmd(logWriter))
	root.AddCommand(newAuthCheckCmd(logWriter))

	return root
}

// Execute はシグナルで中断可能なコンテキストでルートコマンドを実行する。
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newServeCmd(logWriter io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Init(logWriter)
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(logWriter io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Init(logWriter)
			return runMigrate(cfg)
		},
	}
}

func newPublishCmd(logWriter io.Writer) *cobra.Command {
	var opts publishOptions
	cmd := &cobra.Command{
		Use:   "publish <topic> <message>",
		Short: "Publish a message to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Init(logWriter)
			target, err := runPublish(cmd.Context(), cfg, args[0], args[1], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "Server URL (default server when empty)")
	cmd.Flags().StringVar(&opts.title, "title", "", "Message title")
	cmd.Flags().IntVar(&opts.priority, "priority", 0, "Priority 1-5 (0 = default)")
	cmd.Flags().StringSliceVar(&opts.tags, "tags", nil, "Comma-separated tags")
	cmd.Flags().StringVar(&opts.click, "click", "", "URL opened when the notification is clicked")
	cmd.Flags().StringVar(&opts.attach, "attach", "", "Attachment URL")
	cmd.Flags().StringVar(&opts.icon, "icon", "", "Icon URL")
	return cmd
}

func newHealthCmd(logWriter io.Writer) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether a server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Init(logWriter)
			target, healthy, err := runHealth(cmd.Context(), cfg, serverURL)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("%s is unhealthy", target)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL (default server when empty)")
	return cmd
}

func newAuthCheckCmd(logWriter io.Writer) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "auth-check <topic>",
		Short: "Check whether the stored credential is accepted for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Init(logWriter)
			target, ok, err := runAuthCheck(cmd.Context(), cfg, args[0], serverURL)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("credential rejected for %s/%s", target, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential accepted for %s/%s\n", target, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL (default server when empty)")
	return cmd
}
