package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// SQLiteExporterConfig configures the SQLite metric exporter.
type SQLiteExporterConfig struct {
	// DB is the SQLite handle. The exporter does not own it.
	DB *sql.DB

	// Table is the metrics table name. Defaults to "otel_metrics".
	Table string

	// RetentionDays prunes data points older than this many days after
	// each export. Zero keeps everything.
	RetentionDays int
}

// DefaultSQLiteExporterConfig returns the exporter defaults: the
// otel_metrics table with a week of retention.
func DefaultSQLiteExporterConfig(db *sql.DB) SQLiteExporterConfig {
	return SQLiteExporterConfig{
		DB:            db,
		Table:         "otel_metrics",
		RetentionDays: 7,
	}
}

// SQLiteMetricExporter persists metric snapshots to SQLite. It backs the
// demo binaries, which have no collector to ship to: each periodic
// export appends one row per data point, queryable with MetricQueries.
type SQLiteMetricExporter struct {
	config SQLiteExporterConfig
	mu     sync.Mutex
}

// NewSQLiteMetricExporter creates the exporter and its table.
func NewSQLiteMetricExporter(config SQLiteExporterConfig) (*SQLiteMetricExporter, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if config.Table == "" {
		config.Table = "otel_metrics"
	}

	e := &SQLiteMetricExporter{config: config}
	if err := e.createTable(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *SQLiteMetricExporter) createTable() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			unit TEXT,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			value REAL,
			count INTEGER,
			sum REAL,
			min REAL,
			max REAL,
			attributes TEXT,
			resource_attributes TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_name ON %[1]s(name);
		CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON %[1]s(timestamp);
	`, e.config.Table)

	if _, err := e.config.DB.Exec(schema); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	return nil
}

// Export implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.config.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			name, description, unit, type, timestamp,
			value, count, sum, min, max, attributes, resource_attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.config.Table))
	if err != nil {
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	resourceAttrs, _ := json.Marshal(attributesToMap(rm.Resource.Attributes()))
	timestamp := time.Now().Unix()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if err := exportMetric(ctx, stmt, m, string(resourceAttrs), timestamp); err != nil {
				return fmt.Errorf("export metric %s: %w", m.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}

	if e.config.RetentionDays > 0 {
		e.prune()
	}
	return nil
}

func exportMetric(ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, resourceAttrs string, timestamp int64) error {
	insert := func(kind string, value any, count, sum, min, max any, attrs attribute.Set) error {
		attrsJSON, _ := json.Marshal(attributeSetToMap(attrs))
		_, err := stmt.ExecContext(ctx,
			m.Name, m.Description, m.Unit, kind, timestamp,
			value, count, sum, min, max, string(attrsJSON), resourceAttrs,
		)
		return err
	}

	switch data := m.Data.(type) {
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			if err := insert("gauge", float64(dp.Value), nil, nil, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			if err := insert("gauge", dp.Value, nil, nil, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			if err := insert("sum", float64(dp.Value), nil, nil, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			if err := insert("sum", dp.Value, nil, nil, nil, nil, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			var minVal, maxVal any
			if v, ok := dp.Min.Value(); ok {
				minVal = float64(v)
			}
			if v, ok := dp.Max.Value(); ok {
				maxVal = float64(v)
			}
			if err := insert("histogram", nil, dp.Count, float64(dp.Sum), minVal, maxVal, dp.Attributes); err != nil {
				return err
			}
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			var minVal, maxVal any
			if v, ok := dp.Min.Value(); ok {
				minVal = v
			}
			if v, ok := dp.Max.Value(); ok {
				maxVal = v
			}
			if err := insert("histogram", nil, dp.Count, dp.Sum, minVal, maxVal, dp.Attributes); err != nil {
				return err
			}
		}
	}
	return nil
}

// Temporality implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// ForceFlush implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements sdkmetric.Exporter. The database handle stays
// open, its owner closes it.
func (e *SQLiteMetricExporter) Shutdown(ctx context.Context) error {
	return nil
}

// prune runs under e.mu.
func (e *SQLiteMetricExporter) prune() {
	cutoff := time.Now().Add(-time.Duration(e.config.RetentionDays) * 24 * time.Hour).Unix()
	_, _ = e.config.DB.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", e.config.Table), cutoff)
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

func attributeSetToMap(attrs attribute.Set) map[string]any {
	m := make(map[string]any)
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
