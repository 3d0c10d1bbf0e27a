package db

import (
	"context"
	"fmt"
	"strings"
)

const preAutoMigrateSQL = `
CREATE SCHEMA IF NOT EXISTS sni;
`

// Catchall exclusivity: gorm cannot express partial unique indexes, so the
// at-most-one-catchall rule is enforced here.
const postAutoMigrateSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS ux_events_catchall
	ON sni.events (bucket_id, classification, bucket_key)
	WHERE is_catchall;
CREATE UNIQUE INDEX IF NOT EXISTS ux_headlines_normalized_title
	ON sni.headlines (source, normalized_title);
`

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := executeMigrationSQL(ctx, p, "pre-auto-migrate", preAutoMigrateSQL); err != nil {
		return err
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	if err := executeMigrationSQL(ctx, p, "post-auto-migrate", postAutoMigrateSQL); err != nil {
		return err
	}

	return nil
}

func executeMigrationSQL(ctx context.Context, p *Pool, label, sqlText string) error {
	for _, stmt := range strings.Split(sqlText, ";") {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if err := p.gdb.WithContext(ctx).Exec(trimmed).Error; err != nil {
			return fmt.Errorf("execute %s SQL: %w", label, err)
		}
	}
	return nil
}
