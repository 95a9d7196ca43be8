// Package storetest provides an in-memory encrypted store for tests
package storetest

import (
	"bytes"
	"testing"

	"github.com/xelth-com/seedtrackgo/internal/database"
	"github.com/xelth-com/seedtrackgo/internal/security"
	"github.com/xelth-com/seedtrackgo/internal/store"
)

// New opens a fresh in-memory SQLite store closed at test cleanup
func New(tb testing.TB) *store.GormStore {
	tb.Helper()

	db, err := database.OpenSQLite(":memory:", true, nil)
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })

	cipher, err := security.NewFieldCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		tb.Fatalf("cipher: %v", err)
	}

	s, err := store.New(db.DB, cipher, nil)
	if err != nil {
		tb.Fatalf("store: %v", err)
	}
	return s
}
