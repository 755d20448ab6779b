package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"campusgov.org/internal/migrate"
	"campusgov.org/ops/migrations"
)

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema and seeds",
	}
	run := func(use, short string, fn func(*cobra.Command, *migrate.Manager) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := g.openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				return fn(cmd, migrate.NewManager(st.DB(), migrations.SQL(), migrations.Seeds()))
			},
		}
	}
	cmd.AddCommand(
		run("up", "Apply pending migrations", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Up(cmd.Context())
		}),
		run("down", "Roll back the latest migration", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Down(cmd.Context())
		}),
		run("seed", "Apply pending seed files", func(cmd *cobra.Command, m *migrate.Manager) error {
			return m.Seed(cmd.Context())
		}),
		run("status", "List applied migrations", func(cmd *cobra.Command, m *migrate.Manager) error {
			history, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range history {
				fmt.Fprintln(cmd.OutOrStdout(), item)
			}
			return nil
		}),
	)
	return cmd
}
