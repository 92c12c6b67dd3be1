// Package migrations carries the embedded reference schema, one directory
// per supported database driver.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite3/*.sql
var FS embed.FS
