package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"campusgov.org/internal/audit"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(newAuditVerifyCmd(g))
	return cmd
}

func newAuditVerifyCmd(g *globals) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a tenant's hash chain and report the first break",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			report, err := audit.NewLedger(st).Verify(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			return writeVerifyReport(g, cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", audit.GlobalTenant, "Tenant chain to verify")
	return cmd
}

func writeVerifyReport(g *globals, w io.Writer, report audit.VerifyReport) error {
	if err := g.render(w, report, func(w io.Writer) {
		fmt.Fprintf(w, "tenant:  %s\n", report.TenantID)
		fmt.Fprintf(w, "entries: %d\n", report.Entries)
		fmt.Fprintf(w, "head:    %s\n", report.Head)
		if report.OK {
			fmt.Fprintln(w, "status:  intact")
			return
		}
		fmt.Fprintln(w, "status:  BROKEN")
		if report.Break != nil {
			fmt.Fprintf(w, "break:   sequence %d: %s\n", report.Break.Sequence, report.Break.Reason)
		}
	}); err != nil {
		return err
	}
	if !report.OK {
		return fmt.Errorf("audit chain for %s is broken", report.TenantID)
	}
	return nil
}
