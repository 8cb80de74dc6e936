// Package storetest opens throwaway stores for package tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/mcclellann/loanservicing/pkg/store"
)

// NewSQLite opens a SQLite store in a fresh temp directory and closes it
// when the test ends.
func NewSQLite(t testing.TB) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "servicing.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
