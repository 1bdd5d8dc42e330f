//go:build cgo

package runstore

import (
	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

const remoteSupported = true
