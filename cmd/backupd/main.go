package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/backupd/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := buildRoot(newCommand()).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags, apiFlags)
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.SetIn(c.in)

	root.AddCommand(
		createServeCommand(c, globalFlags),
		createBackupCommand(c, apiFlags),
		createRestoreCommand(c, apiFlags),
		createListCommand(c, apiFlags),
		createDownloadCommand(c, apiFlags),
		createDeleteCommand(c, apiFlags),
		createStreamCommand(c, apiFlags),
		createJobsCommand(c, apiFlags),
		createTokenCommand(c, globalFlags, apiFlags),
		createHashPasswordCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "backupd",
		Short: "Run and observe backup and restore jobs",
		Long: `Backupd runs backup and restore scripts as observable jobs and serves
the resulting artifacts over HTTP.

Examples:
  backupd serve --config=backupd.yaml     # Start the server
  backupd backup --keep=14 --follow       # Run a backup and follow its output
  backupd list                            # List artifacts
  backupd restore site-2024-01-02 --db-only
  backupd download site-2024-01-02 -o /tmp/`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", os.Getenv("BACKUPD_CONFIG"), "path to config file (optional)")
	pf.StringVar(&api.URL, "url", envDefault("BACKUPD_URL", "http://localhost:8080/api"), "server API URL")
	pf.DurationVar(&api.Timeout, "timeout", 30*time.Second, "request timeout")
	pf.StringVar(&api.Token, "token", os.Getenv("BACKUPD_TOKEN"), "bearer token")
	pf.StringVar(&api.Username, "user", os.Getenv("BACKUPD_USER"), "basic auth user")
	pf.StringVar(&api.Password, "password", os.Getenv("BACKUPD_PASSWORD"), "basic auth password")
	pf.BoolVar(&api.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&api.CACert, "ca-cert", "", "CA certificate to verify the server with")
	return root
}

// withClient builds the API client from the persistent flags before running fn.
func withClient(c command, api *APIFlags, fn func(ctx context.Context, cl *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cl, err := c.apiClient(*api)
		if err != nil {
			return err
		}
		return fn(cmd.Context(), cl, args)
	}
}

func createServeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the backupd server",
		Long: `Start the HTTP server, the backup schedule and the job sampler.
Configuration comes from the config file, BACKUPD_* environment variables
and defaults.

Examples:
  backupd serve
  backupd serve /etc/backupd/backupd.yaml
  backupd serve --daemonize --pidfile=/run/backupd.pid --logfile=/var/log/backupd.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return c.Serve(cmd.Context(), configPath, *f, os.Args[1:])
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createBackupCommand(c command, api *APIFlags) *cobra.Command {
	f := &BackupFlags{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Start a backup",
		Long: `Start a backup job and print its id, or follow its output with --follow.

Examples:
  backupd backup
  backupd backup --dry-run --follow
  backupd backup --keep=30 --env=SITE=blog --unset=DB_PASSWORD`,
		Args: cobra.NoArgs,
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, _ []string) error {
			return c.Backup(ctx, cl, *f)
		}),
	}
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "run the script in dry-run mode")
	cmd.Flags().IntVar(&f.Keep, "keep", -1, "retention in days (default: server setting)")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra script environment KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&f.Unset, "unset", nil, "remove a variable from the script environment (repeatable)")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream the job output until it ends")
	return cmd
}

func createRestoreCommand(c command, api *APIFlags) *cobra.Command {
	f := &RestoreFlags{}
	cmd := &cobra.Command{
		Use:   "restore NAME",
		Short: "Restore a backup",
		Long: `Restore the named backup. The restore prompt is confirmed automatically.

Examples:
  backupd restore site-2024-01-02_03-04-05
  backupd restore site-2024-01-02_03-04-05 --db-only --follow`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, args []string) error {
			return c.Restore(ctx, cl, args[0], *f)
		}),
	}
	cmd.Flags().BoolVar(&f.DBOnly, "db-only", false, "restore only the database")
	cmd.Flags().BoolVar(&f.FilesOnly, "files-only", false, "restore only the files")
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "show what would be restored")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream the job output until it ends")
	return cmd
}

func createListCommand(c command, api *APIFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List backups, newest first",
		Args:    cobra.NoArgs,
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, _ []string) error {
			return c.List(ctx, cl, *f)
		}),
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createDownloadCommand(c command, api *APIFlags) *cobra.Command {
	f := &DownloadFlags{}
	cmd := &cobra.Command{
		Use:   "download NAME",
		Short: "Download a backup",
		Long: `Download a backup file. Directory backups arrive as zip archives.

Examples:
  backupd download db-2024-01-02.sql
  backupd download site-2024-01-02 -o /tmp/
  backupd download db.sql -o - | gzip > db.sql.gz`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, args []string) error {
			return c.Download(ctx, cl, args[0], *f)
		}),
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", `file or directory to write to, "-" for stdout`)
	return cmd
}

func createDeleteCommand(c command, api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a backup",
		Args:    cobra.ExactArgs(1),
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, args []string) error {
			return c.Delete(ctx, cl, args[0])
		}),
	}
}

func createStreamCommand(c command, api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stream JOB_ID",
		Short: "Follow a running job's output",
		Long: `Print a job's stdout and stderr until it ends. The command exits with
the job's exit code.`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, args []string) error {
			return c.Stream(ctx, cl, args[0])
		}),
	}
}

func createJobsCommand(c command, api *APIFlags) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List running jobs",
		Args:  cobra.NoArgs,
		RunE: withClient(c, api, func(ctx context.Context, cl *client.Client, _ []string) error {
			return c.Jobs(ctx, cl, *f)
		}),
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createTokenCommand(c command, globalFlags *GlobalFlags, api *APIFlags) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long: `Sign a bearer token with the configured JWT secret. With --save the
token is stored as the session for --url and used by later commands.

Examples:
  backupd token --subject=ops
  backupd token --subject=ci --ttl=1h
  backupd token --subject=ops --save --url=https://backups.internal/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(globalFlags.ConfigPath, api.URL, *f)
		},
	}
	cmd.Flags().StringVar(&f.Subject, "subject", "", "token subject (required)")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	cmd.Flags().BoolVar(&f.Save, "save", false, "save the token as the session for --url")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func createHashPasswordCommand(c command) *cobra.Command {
	f := &HashFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print a bcrypt hash for auth.users",
		Long: `Hash a password for the auth.users section of the config. Without an
argument the first line of stdin is read.

Examples:
  echo 's3cret-pass' | backupd hash-password`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Password = args[0]
			}
			return c.HashPassword(*f)
		},
	}
	cmd.Flags().IntVar(&f.Cost, "cost", 0, "bcrypt cost (default 12)")
	return cmd
}
