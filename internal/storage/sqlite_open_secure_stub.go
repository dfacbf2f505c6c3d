//go:build !sqlcipher
// +build !sqlcipher

package storage

import (
	"database/sql"
	"errors"
)

func openSecureSQLite(path string, key string) (*sql.DB, error) {
	return nil, errors.New("encrypted storage requires a sqlcipher-enabled build; rebuild with '-tags sqlcipher'")
}

func secureSQLiteSupported() bool {
	return false
}
