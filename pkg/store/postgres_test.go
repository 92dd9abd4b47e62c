package store_test

import (
	"testing"

	"github.com/positronic-core/positronic/pkg/store"
	"github.com/positronic-core/positronic/test/util"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db := util.SetupTestDatabase(t)
	exerciseStore(t, store.NewPostgres(db))
}
