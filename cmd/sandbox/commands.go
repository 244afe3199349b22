package sandbox

import "github.com/spf13/cobra"

// Actions defines sandbox lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "sandbox" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandboxes",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Register a sandbox (no container yet)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	addSandboxFlags(createCmd)

	runCmd := &cobra.Command{
		Use:   "run [flags] NAME",
		Short: "Register a sandbox and start it",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Run,
	}
	addSandboxFlags(runCmd)

	startCmd := &cobra.Command{
		Use:   "start SANDBOX [SANDBOX...]",
		Short: "Start stopped sandbox(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop SANDBOX [SANDBOX...]",
		Short: "Stop running sandbox(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sandboxes with state and address",
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect SANDBOX",
		Short: "Show detailed sandbox info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	rmCmd := &cobra.Command{
		Use:   "rm SANDBOX [SANDBOX...]",
		Short: "Delete stopped sandbox(es) and their workspaces",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	sandboxCmd.AddCommand(
		createCmd,
		runCmd,
		startCmd,
		stopCmd,
		listCmd,
		inspectCmd,
		rmCmd,
	)
	return sandboxCmd
}

func addSandboxFlags(cmd *cobra.Command) {
	cmd.Flags().Int("cpu", 2, "CPU cores")            //nolint:mnd
	cmd.Flags().String("memory", "2G", "memory size") //nolint:mnd
	cmd.Flags().String("gpu", "", "GPU request (TYPE or TYPE:COUNT)")
}
