package settings

import (
	"context"
	"strings"
)

// NewStore picks the preference backend from the database URL: Postgres when
// one is configured, an in-process map otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
