package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/gate"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run the initial sync gate once and print where it settled",
	Args:  cobra.NoArgs,
	RunE:  runGateCmd,
}

func runGateCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.tokens.Token(ctx); err != nil {
		return fmt.Errorf("no session token (set FIELDSYNC_TOKEN or %s): %w", a.cfg.Auth.TokenFile, err)
	}

	monitor := connectivity.NewMonitor(a.client, time.Duration(a.cfg.Sync.ConnectivityInterval), a.logger)
	monitor.Check(ctx)

	g := gate.New(a.reg, a.engine, a.client, monitor, a.tokens,
		gate.WithLogger(a.logger),
		gate.WithMetricsPeriod(a.metricsPeriods()[0]),
	)
	st := g.Run(ctx)

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, st); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "State:  %s\n", st.State)
		if st.Entity != "" {
			fmt.Fprintf(out, "Entity: %s\n", st.Entity)
		}
		if st.Error != "" {
			fmt.Fprintf(out, "Error:  %s\n", st.Error)
		}
	}

	if st.State == gate.Failed {
		return fmt.Errorf("initial sync failed: %s", st.Error)
	}
	return nil
}
