package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"campusgov.org/internal/store/pg"
)

// Version is set at build time.
var Version = "0.1.0"

type globals struct {
	dsn    string
	output string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "govctl",
		Short:        "Operator CLI for the campus governance core",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.dsn, "dsn", os.Getenv("GOV_PG_DSN"), "PostgreSQL DSN")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		newAuditCmd(g),
		newGrantsCmd(g),
		newMigrateCmd(g),
		newHealthCmd(g),
	)
	return root
}

func (g *globals) openStore() (*pg.Store, error) {
	if g.dsn == "" {
		return nil, fmt.Errorf("missing DSN: provide via --dsn or GOV_PG_DSN")
	}
	st, err := pg.Open(g.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

// render writes v in the selected format; table falls back to the
// caller-provided writer.
func (g *globals) render(w io.Writer, v any, table func(io.Writer)) error {
	switch g.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "table", "":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", g.output)
	}
}
