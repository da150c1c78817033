//go:build sqlite_cgo

package store

// CGO SQLite via mattn/go-sqlite3. Build with:
//
//	CGO_ENABLED=1 go build -tags sqlite_cgo ./...

import (
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverName = "sqlite3"
	BuildMode  = "cgo"
)

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		path, busy.Milliseconds())
}
