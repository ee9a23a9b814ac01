//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3" // cgo driver, registered as "sqlite3"
)

const mattnAvailable = true
