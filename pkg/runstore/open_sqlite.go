//go:build !cgo

package runstore

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const driverLibsql = "libsql"

// Pure-Go builds serve local files only.
const remoteSupported = false

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}
