// Package migrations embeds the governance schema and seed data.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL returns the migration files rooted at their directory.
func SQL() fs.FS { return sub("sql") }

// Seeds returns the seed files rooted at their directory.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
