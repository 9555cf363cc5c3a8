package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
)

// newTestClient opens a throwaway sqlite database with migrations applied.
func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")

	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestItem builds a minimal valid item.
func newTestItem(id string) *models.Item {
	return &models.Item{
		ItemID:       id,
		SourceItemID: "src-" + id,
		Source:       "twitter",
		FullText:     "hello from " + id,
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func nullableStr(s string) **string {
	p := &s
	return &p
}

func nullableTime(ts time.Time) **time.Time {
	p := &ts
	return &p
}
