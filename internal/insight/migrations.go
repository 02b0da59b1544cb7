package insight

import (
	"database/sql"

	"github.com/HerbHall/carbonsight/pkg/plugin"
)

// migrations returns the analytics module's database migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create usage and reference distribution tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS analytics_usage (
						id              INTEGER PRIMARY KEY AUTOINCREMENT,
						organization_id TEXT NOT NULL,
						metric          TEXT NOT NULL,
						value           REAL NOT NULL,
						tags            TEXT NOT NULL DEFAULT '{}',
						ts              INTEGER NOT NULL -- Unix nanoseconds, UTC
					)`,
					`CREATE INDEX IF NOT EXISTS idx_analytics_usage_org_metric_ts
						ON analytics_usage(organization_id, metric, ts)`,
					`CREATE INDEX IF NOT EXISTS idx_analytics_usage_ts ON analytics_usage(ts)`,

					`CREATE TABLE IF NOT EXISTS analytics_reference_distributions (
						industry_id  TEXT NOT NULL,
						metric       TEXT NOT NULL,
						samples      TEXT NOT NULL DEFAULT '[]',
						average      REAL NOT NULL DEFAULT 0,
						best         REAL NOT NULL DEFAULT 0,
						updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						PRIMARY KEY (industry_id, metric)
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
