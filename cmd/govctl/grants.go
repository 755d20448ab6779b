package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/config"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/session"
	"campusgov.org/internal/store/pg"
)

func newGrantsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Manage override and impersonation grants",
	}
	cmd.AddCommand(newGrantsSweepCmd(g))
	return cmd
}

func newGrantsSweepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every grant whose window has closed and revoke its sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := newManager(st).SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			return g.render(cmd.OutOrStdout(), map[string]int{"expired": n}, func(w io.Writer) {
				fmt.Fprintf(w, "expired %d grant(s)\n", n)
			})
		},
	}
}

func newManager(st *pg.Store) *grant.Manager {
	cfg := config.Default()
	ledger := audit.NewLedger(st)
	sessions := session.NewRegistry(st, ledger, session.Config{
		IdleTimeout:     cfg.Sessions.IdleTimeout.Std(),
		AbsoluteTimeout: cfg.Sessions.AbsoluteTimeout.Std(),
	})
	return grant.NewManager(st, st, ledger, sessions, grant.Config{
		OverrideCeiling:      cfg.Grants.OverrideCeiling.Std(),
		ImpersonationCeiling: cfg.Grants.ImpersonationCeiling.Std(),
	}, grant.WithLocker(pg.NewAdvisoryLocker(st)))
}
