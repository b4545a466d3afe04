package observability

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MetricQuery filters exported metric data points.
type MetricQuery struct {
	// Name matches the metric name. A leading or trailing % makes it a
	// LIKE pattern.
	Name string

	// Type filters by data point kind: gauge, sum or histogram.
	Type string

	// Since and Until bound the export timestamp. Zero means unbounded.
	Since time.Time
	Until time.Time

	// Limit and Offset page through results, newest first.
	Limit  int
	Offset int
}

// MetricDataPoint is one exported data point. Value is set for gauges
// and sums; Count, Sum, Min and Max for histograms.
type MetricDataPoint struct {
	ID                 int64
	Name               string
	Description        string
	Unit               string
	Type               string
	Timestamp          time.Time
	Value              *float64
	Count              *int64
	Sum                *float64
	Min                *float64
	Max                *float64
	Attributes         map[string]any
	ResourceAttributes map[string]any
}

// MetricSummary aggregates a metric over a time range.
type MetricSummary struct {
	Name       string
	Type       string
	Points     int64
	AvgValue   *float64
	MinValue   *float64
	MaxValue   *float64
	TotalSum   *float64
	TotalCount *int64
}

// MetricQueries reads metric snapshots written by SQLiteMetricExporter.
// The demo binaries use it to print a pipeline report on shutdown.
type MetricQueries struct {
	db    *sql.DB
	table string
}

// NewMetricQueries creates a query helper over the exporter's table.
func NewMetricQueries(db *sql.DB, config SQLiteExporterConfig) *MetricQueries {
	table := config.Table
	if table == "" {
		table = "otel_metrics"
	}
	return &MetricQueries{db: db, table: table}
}

// Query returns data points matching the filter, newest first.
func (q *MetricQueries) Query(query MetricQuery) ([]MetricDataPoint, error) {
	stmt := fmt.Sprintf(`
		SELECT
			id, name, description, unit, type, timestamp,
			value, count, sum, min, max, attributes, resource_attributes
		FROM %s
		WHERE 1=1
	`, q.table)

	args := []any{}

	if query.Name != "" {
		if containsWildcard(query.Name) {
			stmt += " AND name LIKE ?"
		} else {
			stmt += " AND name = ?"
		}
		args = append(args, query.Name)
	}
	if query.Type != "" {
		stmt += " AND type = ?"
		args = append(args, query.Type)
	}
	if !query.Since.IsZero() {
		stmt += " AND timestamp >= ?"
		args = append(args, query.Since.Unix())
	}
	if !query.Until.IsZero() {
		stmt += " AND timestamp <= ?"
		args = append(args, query.Until.Unix())
	}

	stmt += " ORDER BY timestamp DESC, id DESC"

	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}
	if query.Offset > 0 {
		stmt += " OFFSET ?"
		args = append(args, query.Offset)
	}

	rows, err := q.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	points := []MetricDataPoint{}
	for rows.Next() {
		point, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// Summary aggregates one metric over a time range. A nil result means no
// data points matched.
func (q *MetricQueries) Summary(name string, since, until time.Time) (*MetricSummary, error) {
	stmt := fmt.Sprintf(`
		SELECT
			type,
			COUNT(*),
			AVG(value), MIN(value), MAX(value),
			SUM(sum), SUM(count)
		FROM %s
		WHERE name = ?
	`, q.table)

	args := []any{name}
	if !since.IsZero() {
		stmt += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		stmt += " AND timestamp <= ?"
		args = append(args, until.Unix())
	}
	stmt += " GROUP BY type"

	summary := &MetricSummary{Name: name}
	var avgValue, minValue, maxValue, totalSum sql.NullFloat64
	var totalCount sql.NullInt64

	err := q.db.QueryRow(stmt, args...).Scan(
		&summary.Type,
		&summary.Points,
		&avgValue, &minValue, &maxValue,
		&totalSum, &totalCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summarize metric %s: %w", name, err)
	}

	if avgValue.Valid {
		summary.AvgValue = &avgValue.Float64
	}
	if minValue.Valid {
		summary.MinValue = &minValue.Float64
	}
	if maxValue.Valid {
		summary.MaxValue = &maxValue.Float64
	}
	if totalSum.Valid {
		summary.TotalSum = &totalSum.Float64
	}
	if totalCount.Valid {
		summary.TotalCount = &totalCount.Int64
	}
	return summary, nil
}

func scanMetric(rows *sql.Rows) (MetricDataPoint, error) {
	var point MetricDataPoint
	var timestamp int64
	var attrsJSON, resourceAttrsJSON string

	err := rows.Scan(
		&point.ID,
		&point.Name,
		&point.Description,
		&point.Unit,
		&point.Type,
		&timestamp,
		&point.Value,
		&point.Count,
		&point.Sum,
		&point.Min,
		&point.Max,
		&attrsJSON,
		&resourceAttrsJSON,
	)
	if err != nil {
		return point, err
	}

	point.Timestamp = time.Unix(timestamp, 0)
	if err := json.Unmarshal([]byte(attrsJSON), &point.Attributes); err != nil {
		return point, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(resourceAttrsJSON), &point.ResourceAttributes); err != nil {
		return point, fmt.Errorf("unmarshal resource attributes: %w", err)
	}
	return point, nil
}

func containsWildcard(s string) bool {
	return len(s) > 0 && (s[0] == '%' || s[len(s)-1] == '%' || s[0] == '_')
}
