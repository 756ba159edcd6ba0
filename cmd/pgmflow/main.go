package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := &cobra.Command{
		Use:   "pgmflow",
		Short: "Test program distribution lifecycle tracker",
		Long: `Pgmflow polls the vendor distribution portal, downloads and verifies
test program payloads, pushes approved programs to the production target
and raises turnaround alarms.

Examples:
  pgmflow serve --config=config.toml          # Run the daemon
  pgmflow run intake --config=config.toml     # One pass of a single stage
  pgmflow records --status=VERIFIED           # Query a running daemon
  pgmflow approve --draft=D12345              # Set the apply flag`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file")

	root.AddCommand(
		createServeCommand(c),
		createRunCommand(c),
		createRecordsCommand(c),
		createRecordCommand(c),
		createApproveCommand(c),
		createRevokeCommand(c),
		createAlarmsCommand(c),
		createResolveCommand(c),
		createLoginCommand(c),
		createUserCommand(c),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token for mutating calls")
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the pgmflow daemon",
		Long: `Run the stage scheduler and, when configured, the operator HTTP API.
All configuration is loaded from the TOML config file.

Examples:
  pgmflow serve --config=config.toml
  pgmflow serve config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(args)
		},
	}
}

func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run <stage>",
		Short: "Run a single pass of one stage",
		Long: `Execute one pass of a stage and exit. Stage names:
intake, download, verify, apply, monitor, tat, retention.

Examples:
  pgmflow run intake --config=config.toml
  pgmflow run verify --config=config.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(args[0])
		},
	}
}

func createRecordsCommand(c command) *cobra.Command {
	flags := &RecordsFlags{}
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List lifecycle records",
		Long: `List lifecycle records from a running daemon.

Examples:
  pgmflow records
  pgmflow records --status=VERIFIED --limit=20
  pgmflow records --task=APPLY --api-url=http://remote:8080/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Records(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&flags.Task, "task", "", "filter by next task")
	cmd.Flags().StringVar(&flags.Type, "type", "", "filter by program type (ET, AT, BOTH)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "max rows (0 = all)")
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createRecordCommand(c command) *cobra.Command {
	flags := &DraftFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Show one draft in full",
		Long: `Show one lifecycle record with its stage events, canonical details
and alarms.

Example:
  pgmflow record --draft=D12345`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Record(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.DraftID, "draft", "", "draft id (required)")
	addAPIFlags(cmd, &flags.API)
	if err := cmd.MarkFlagRequired("draft"); err != nil {
		panic(err)
	}
	return cmd
}

func createApproveCommand(c command) *cobra.Command {
	flags := &DraftFlags{}
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Set the apply flag on a draft",
		Long: `Mark a verified draft as approved for production apply. The apply
stage only pushes drafts carrying this flag.

Example:
  pgmflow approve --draft=D12345 --token=$PGMFLOW_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Approve(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.DraftID, "draft", "", "draft id (required)")
	addAPIFlags(cmd, &flags.API)
	if err := cmd.MarkFlagRequired("draft"); err != nil {
		panic(err)
	}
	return cmd
}

func createRevokeCommand(c command) *cobra.Command {
	flags := &DraftFlags{}
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Clear the apply flag on a draft",
		Long: `Withdraw approval before the apply stage picks the draft up.

Example:
  pgmflow revoke --draft=D12345 --token=$PGMFLOW_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Revoke(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.DraftID, "draft", "", "draft id (required)")
	addAPIFlags(cmd, &flags.API)
	if err := cmd.MarkFlagRequired("draft"); err != nil {
		panic(err)
	}
	return cmd
}

func createAlarmsCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "alarms",
		Short: "List open turnaround alarms",
		Long: `List unresolved turnaround alarms across all drafts.

Example:
  pgmflow alarms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alarms(*flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createResolveCommand(c command) *cobra.Command {
	flags := &ResolveFlags{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a turnaround alarm",
		Long: `Mark one alarm as handled.

Example:
  pgmflow resolve --id=42 --by=jykim --token=$PGMFLOW_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resolve(*flags)
		},
	}
	cmd.Flags().Int64Var(&flags.AlarmID, "id", 0, "alarm id (required)")
	cmd.Flags().StringVar(&flags.ResolvedBy, "by", "", "who resolved it")
	addAPIFlags(cmd, &flags.API)
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createLoginCommand(c command) *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to a pgmflow daemon",
		Long: `Authenticate against the daemon and print the bearer token for use
with mutating commands.

Example:
  pgmflow login --username=admin --password=secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username (required)")
	cmd.Flags().StringVar(&flags.Password, "password", "", "password (required)")
	addAPIFlags(cmd, &flags.API)
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func createUserCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operator accounts",
		Long:  "Manage the accounts used by the operator API. Works directly on the auth database; run on the daemon host.",
	}
	cmd.AddCommand(
		createUserAddCommand(c),
		createUserListCommand(c),
		createUserDeleteCommand(c),
		createUserPasswordCommand(c),
	)
	return cmd
}

func createUserAddCommand(c command) *cobra.Command {
	flags := &UserFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an operator account",
		Long: `Create an account in the auth database.

Examples:
  pgmflow user add --username=admin --password=secret --role=admin
  pgmflow user add --username=jykim --password=secret --role=operator`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UserAdd(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username (required)")
	cmd.Flags().StringVar(&flags.Password, "password", "", "password (required)")
	cmd.Flags().StringVar(&flags.Role, "role", "viewer", "role: admin, operator or viewer")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func createUserListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UserList()
		},
	}
}

func createUserDeleteCommand(c command) *cobra.Command {
	flags := &UserFlags{}
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an operator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UserDelete(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username (required)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func createUserPasswordCommand(c command) *cobra.Command {
	flags := &UserFlags{}
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Reset an account password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UserPassword(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username (required)")
	cmd.Flags().StringVar(&flags.Password, "new-password", "", "new password (required)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("new-password")
	return cmd
}
