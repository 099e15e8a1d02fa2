package main

import (
	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync/internal/gate"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push-then-pull pass and exit",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Replay every pending local mutation and exit",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull [entity...]",
	Short: "Pull entities from the remote API and exit",
	Long:  "Pull the named entities, or every bootstrap entity when none are named.",
	RunE:  runPull,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.Sync(cmd.Context())
	if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
		return perr
	}
	return err
}

func runPush(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.engine.PushAll(cmd.Context())
	if perr := printJSON(cmd.OutOrStdout(), map[string]any{"push": stats}); perr != nil {
		return perr
	}
	return err
}

func runPull(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	names := args
	if len(names) == 0 {
		names = gate.BootstrapEntities
	}
	stats, err := a.engine.Pull(cmd.Context(), names...)
	if perr := printJSON(cmd.OutOrStdout(), map[string]any{"pull": stats}); perr != nil {
		return perr
	}
	return err
}
