package store_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store"
	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "licenses.db")
		s, err := store.OpenSQLiteStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("OpenSQLiteStore: %v", err)
		}
		return s
	})
}

func TestSQLiteStore_InvalidPrefix(t *testing.T) {
	_, err := store.OpenSQLiteStore(context.Background(), ":memory:", store.WithSQLiteTablePrefix("cnw-"))
	if err == nil || !strings.Contains(err.Error(), "invalid table prefix") {
		t.Fatalf("expected invalid prefix error, got %v", err)
	}
}
