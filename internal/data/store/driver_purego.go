//go:build !sqlite_cgo

package store

// Pure Go SQLite, no C toolchain required. This is the default build.

import (
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DriverName = "sqlite"
	BuildMode  = "purego"
)

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds())
}
