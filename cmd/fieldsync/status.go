package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync/internal/entity"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device id, pull bookmarks and pending counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var pendingCmd = &cobra.Command{
	Use:   "pending <entity>",
	Short: "List records of an entity awaiting replay",
	Args:  cobra.ExactArgs(1),
	RunE:  runPending,
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

type entityStatus struct {
	Entity   string     `json:"entity"`
	LastPull *time.Time `json:"last_pull,omitempty"`
	Pending  int64      `json:"pending"`
	Errored  int64      `json:"errored"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.reg.PendingCounts(ctx)
	if err != nil {
		return fmt.Errorf("pending counts: %w", err)
	}

	rows := make([]entityStatus, 0, len(counts))
	for _, c := range counts {
		row := entityStatus{Entity: c.Entity, Pending: c.Pending, Errored: c.Errored}
		at, ok, err := a.meta.LastPull(ctx, c.Entity)
		if err != nil {
			return fmt.Errorf("bookmark %s: %w", c.Entity, err)
		}
		if ok {
			row.LastPull = &at
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"device_id": a.deviceID,
			"entities":  rows,
		})
	}

	fmt.Fprintf(out, "Device: %s\n\n", a.deviceID)
	w := newTabWriter(out)
	fmt.Fprintln(w, "ENTITY\tLAST PULL\tPENDING\tERRORS")
	for _, r := range rows {
		last := "never"
		if r.LastPull != nil {
			last = r.LastPull.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.Entity, last, r.Pending, r.Errored)
	}
	return w.Flush()
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d, ok := a.reg.DAO(args[0])
	if !ok {
		return fmt.Errorf("unknown entity %q", args[0])
	}
	recs, err := d.GetPending(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if recs == nil {
			recs = []entity.Record{}
		}
		return printJSON(out, map[string]any{
			"entity":  args[0],
			"records": recs,
			"total":   len(recs),
		})
	}

	if len(recs) == 0 {
		fmt.Fprintf(out, "No pending %s.\n", args[0])
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tOP\tUPDATED\tERROR")
	for _, r := range recs {
		msg := r.SyncError
		if msg == "" {
			msg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.SyncOp,
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
			msg,
		)
	}
	return w.Flush()
}
