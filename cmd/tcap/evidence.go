package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/trustedcapture/pkg/client"
)

// ── evidence ─────────────────────────────────────────────────────────────────

var evidenceFormat string

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage your evidence history and recycle bin",
}

var evidenceListState string

var evidenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evidence items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEvidence(cmd, evidenceListState)
	},
}

var evidenceBinCmd = &cobra.Command{
	Use:   "bin",
	Short: "List items in the recycle bin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEvidence(cmd, "binned")
	},
}

var evidenceDeleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Move an active item to the recycle bin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return evidenceAction(cmd, args[0], (*client.Client).SoftDelete)
	},
}

var evidenceRestoreCmd = &cobra.Command{
	Use:   "restore <item-id>",
	Short: "Restore an item from the recycle bin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return evidenceAction(cmd, args[0], (*client.Client).Restore)
	},
}

var evidenceDestroyYes bool

var evidenceDestroyCmd = &cobra.Command{
	Use:   "destroy <item-id>",
	Short: "Permanently remove a binned item's payload",
	Long: `destroy purges the stored bytes of an item in the recycle bin. The ledger
record is kept, so copies of the content can still be verified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !evidenceDestroyYes {
			return fmt.Errorf("destroy cannot be undone; pass --yes to confirm")
		}
		return evidenceAction(cmd, args[0], (*client.Client).Destroy)
	},
}

var evidenceReportCmd = &cobra.Command{
	Use:   "report <item-id>",
	Short: "Show the evidence report of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Report(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if evidenceFormat == "json" {
			return printJSON(r)
		}

		fmt.Printf("Report %s  (generated %s)\n\n", r.ReportID, r.GeneratedAt.Format(time.RFC3339))
		fmt.Printf("  File:        %s (%d bytes)\n", r.Item.FileName, r.Item.Size)
		fmt.Printf("  Fingerprint: %s\n", r.Record.Key)
		fmt.Printf("  Sealed by:   %s\n", r.Record.Creator)
		fmt.Printf("  Sealed at:   %s\n", r.Record.SealedAt.Format(time.RFC3339Nano))
		fmt.Printf("  State:       %s\n", r.Item.Visibility)
		fmt.Printf("  Verdict:     %s\n", r.Verdict)
		if r.Item.Analysis.Score != nil {
			fmt.Printf("  Score:       %d (%s)\n", *r.Item.Analysis.Score, r.Item.Analysis.Risk)
		}
		for _, f := range r.Findings {
			fmt.Printf("    - %s (%.0f%%): %s\n", f.Rule, f.Confidence*100, f.Description)
		}
		return nil
	},
}

var evidenceExportOut string

var evidenceExportCmd = &cobra.Command{
	Use:   "export <item-id>...",
	Short: "Download a zip of reports and payloads for several items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := evidenceExportOut
		if out == "" {
			out = "tcap-export-" + time.Now().UTC().Format("20060102-150405") + ".zip"
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		n, err := c.ExportReports(cmd.Context(), args, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out) //nolint:errcheck
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("none of the %d items were found in your account", len(args))
			}
			return err
		}
		fmt.Printf("✓ Wrote %s (%d bytes)\n", out, n)
		return nil
	},
}

func init() {
	evidenceCmd.PersistentFlags().StringVar(&evidenceFormat, "format", "text", "Output format: text or json")
	evidenceListCmd.Flags().StringVar(&evidenceListState, "state", "active", "active, binned, destroyed, or empty for all")
	evidenceDestroyCmd.Flags().BoolVar(&evidenceDestroyYes, "yes", false, "confirm permanent destruction")

	evidenceCmd.AddCommand(evidenceListCmd)
	evidenceCmd.AddCommand(evidenceBinCmd)
	evidenceCmd.AddCommand(evidenceDeleteCmd)
	evidenceCmd.AddCommand(evidenceRestoreCmd)
	evidenceCmd.AddCommand(evidenceDestroyCmd)

	evidenceExportCmd.Flags().StringVarP(&evidenceExportOut, "out", "o", "", "zip file to write (default tcap-export-<time>.zip)")
	evidenceCmd.AddCommand(evidenceReportCmd)
	evidenceCmd.AddCommand(evidenceExportCmd)
}

func listEvidence(cmd *cobra.Command, state string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	items, err := c.ListEvidence(cmd.Context(), state)
	if err != nil {
		return err
	}
	if evidenceFormat == "json" {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no items")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tFILE\tSIZE\tSEALED\tRISK")
	for _, it := range items {
		risk := it.Analysis.Risk
		if risk == "" {
			risk = it.Analysis.State
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Visibility, it.FileName, it.Size, it.SealedAt.Format(time.RFC3339), risk)
	}
	return w.Flush()
}

func evidenceAction(cmd *cobra.Command, id string, fn func(*client.Client, context.Context, string) (*client.EvidenceItem, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	it, err := fn(c, cmd.Context(), id)
	if errors.Is(err, client.ErrConflict) {
		return fmt.Errorf("%s: not allowed in the item's current state", id)
	}
	if err != nil {
		return err
	}
	if evidenceFormat == "json" {
		return printJSON(it)
	}
	fmt.Printf("✓ %s is now %s\n", it.ID, it.Visibility)
	return nil
}
