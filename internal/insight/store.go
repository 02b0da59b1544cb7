package insight

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
)

// AnalyticsStore is the SQLite data layer behind the engine: raw usage points
// and industry reference distributions.
type AnalyticsStore struct {
	db *sql.DB
}

// NewAnalyticsStore creates a new AnalyticsStore backed by the given database.
func NewAnalyticsStore(db *sql.DB) *AnalyticsStore {
	return &AnalyticsStore{db: db}
}

// -- Usage --

// InsertUsage stores raw points in a single transaction.
func (s *AnalyticsStore) InsertUsage(ctx context.Context, points []analytics.MetricPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analytics_usage (organization_id, metric, value, tags, ts)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for i := range points {
		p := &points[i]
		tags := p.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.OrganizationID, string(p.Metric), p.Value, string(tagsJSON), p.Timestamp.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}
	return tx.Commit()
}

// FetchRawPoints returns an organization's points for metric with
// period.Start <= ts < period.End, ordered by timestamp. Filters are pushed
// down as JSON tag predicates where the tag key allows it.
func (s *AnalyticsStore) FetchRawPoints(ctx context.Context, orgID string, metric analytics.Metric, period analytics.Period, filters []analytics.Filter) ([]analytics.MetricPoint, error) {
	var q strings.Builder
	q.WriteString(`
		SELECT organization_id, metric, value, tags, ts
		FROM analytics_usage
		WHERE organization_id = ? AND metric = ? AND ts >= ? AND ts < ?`)
	args := []any{orgID, string(metric), period.Start.UTC().UnixNano(), period.End.UTC().UnixNano()}
	for _, f := range filters {
		if strings.ContainsAny(f.Tag, `"\`) {
			continue
		}
		q.WriteString(` AND json_extract(tags, ?) = ?`)
		args = append(args, `$."`+f.Tag+`"`, f.Value)
	}
	q.WriteString(` ORDER BY ts, id`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch raw points: %w", err)
	}
	defer rows.Close()

	var points []analytics.MetricPoint
	for rows.Next() {
		var p analytics.MetricPoint
		var metricName, tagsJSON string
		var ts int64
		if err := rows.Scan(&p.OrganizationID, &metricName, &p.Value, &tagsJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		p.Metric = analytics.Metric(metricName)
		p.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteOldUsage deletes usage points older than the given time.
// Returns the number of rows deleted.
func (s *AnalyticsStore) DeleteOldUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analytics_usage WHERE ts < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete old usage: %w", err)
	}
	return result.RowsAffected()
}

// CountUsage returns the number of stored usage points.
func (s *AnalyticsStore) CountUsage(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_usage`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// -- Reference distributions --

// UpsertReference inserts or replaces an industry's distribution for a metric.
// Samples are stored sorted ascending.
func (s *AnalyticsStore) UpsertReference(ctx context.Context, ref *analytics.ReferenceDistribution) error {
	samples := slices.Clone(ref.Samples)
	slices.Sort(samples)
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO analytics_reference_distributions (
			industry_id, metric, samples, average, best, updated_at
		) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		ref.IndustryID, string(ref.Metric), string(samplesJSON), ref.Average, ref.Best,
	)
	if err != nil {
		return fmt.Errorf("upsert reference distribution: %w", err)
	}
	return nil
}

// FetchReferenceDistribution returns the stored distribution or
// analytics.ErrReferenceNotFound.
func (s *AnalyticsStore) FetchReferenceDistribution(ctx context.Context, industryID string, metric analytics.Metric) (*analytics.ReferenceDistribution, error) {
	ref := &analytics.ReferenceDistribution{IndustryID: industryID, Metric: metric}
	var samplesJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT samples, average, best
		FROM analytics_reference_distributions WHERE industry_id = ? AND metric = ?`,
		industryID, string(metric),
	).Scan(&samplesJSON, &ref.Average, &ref.Best)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analytics.ErrReferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch reference distribution: %w", err)
	}
	if err := json.Unmarshal([]byte(samplesJSON), &ref.Samples); err != nil {
		return nil, fmt.Errorf("unmarshal samples: %w", err)
	}
	return ref, nil
}

// CountReferences returns the number of configured industry/metric distributions.
func (s *AnalyticsStore) CountReferences(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_reference_distributions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}
