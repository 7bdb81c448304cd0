package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle so the bookmark store can share the
// same database file and WAL.
func (c *Client) DB() *sql.DB {
	return c.db
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS source_records (
		source_id TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, natural_key, changed_at)
	);
	CREATE INDEX IF NOT EXISTS idx_source_records_window ON source_records(source_id, changed_at);

	CREATE TABLE IF NOT EXISTS price_history (
		natural_key TEXT NOT NULL,
		price REAL NOT NULL,
		event_type TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (natural_key, recorded_at, event_type)
	);
	CREATE INDEX IF NOT EXISTS idx_price_history_key ON price_history(natural_key, recorded_at);

	CREATE TABLE IF NOT EXISTS tax_records (
		natural_key TEXT NOT NULL,
		year INTEGER NOT NULL,
		assessed_value REAL NOT NULL,
		annual_tax REAL NOT NULL,
		PRIMARY KEY (natural_key, year)
	);

	CREATE TABLE IF NOT EXISTS economic_indicators (
		region TEXT NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		period TEXT NOT NULL,
		PRIMARY KEY (region, name, period)
	);

	CREATE TABLE IF NOT EXISTS enriched_documents (
		document_id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		text TEXT NOT NULL,
		template_version TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_enriched_key ON enriched_documents(source_id, natural_key);

	CREATE TABLE IF NOT EXISTS run_reports (
		run_id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		extracted INTEGER NOT NULL,
		deduplicated INTEGER NOT NULL,
		processed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		bookmark_advanced INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		failures TEXT,
		started_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_source ON run_reports(source_id, started_at);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		filters TEXT,
		narrative TEXT,
		result_count INTEGER,
		degraded INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertSourceRecord lands a connector-delivered record in the staging
// table the pipeline extracts from.
func (c *Client) InsertSourceRecord(ctx context.Context, rec models.SourceRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO source_records (source_id, natural_key, payload, changed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, natural_key, changed_at) DO UPDATE SET
			payload = excluded.payload
	`, rec.SourceID, rec.NaturalKey, string(payload), rec.ChangedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert source record: %w", err)
	}
	return nil
}

// ListChangedRecords returns records in the half-open window (after, until].
// A record stamped exactly at the bookmark is excluded so replays cannot
// loop forever on it.
func (c *Client) ListChangedRecords(ctx context.Context, sourceID string, after, until time.Time) ([]models.SourceRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT source_id, natural_key, payload, changed_at
		FROM source_records
		WHERE source_id = ? AND changed_at > ? AND changed_at <= ?
		ORDER BY changed_at ASC
	`, sourceID, after.UTC().UnixMicro(), until.UTC().UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to query source records: %w", err)
	}
	defer rows.Close()

	var records []models.SourceRecord
	for rows.Next() {
		var rec models.SourceRecord
		var payload string
		var changedAt int64
		if err := rows.Scan(&rec.SourceID, &rec.NaturalKey, &payload, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", rec.NaturalKey, err)
		}
		rec.ChangedAt = time.UnixMicro(changedAt).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (c *Client) InsertPriceEvent(ctx context.Context, ev models.PriceEvent) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO price_history (natural_key, price, event_type, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(natural_key, recorded_at, event_type) DO UPDATE SET
			price = excluded.price
	`, ev.NaturalKey, ev.Price, ev.EventType, ev.RecordedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert price event: %w", err)
	}
	return nil
}

// ListPriceEvents returns the most recent events first, capped at limit.
func (c *Client) ListPriceEvents(ctx context.Context, naturalKey string, limit int) ([]models.PriceEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT natural_key, price, event_type, recorded_at
		FROM price_history
		WHERE natural_key = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`, naturalKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var events []models.PriceEvent
	for rows.Next() {
		var ev models.PriceEvent
		var recordedAt int64
		if err := rows.Scan(&ev.NaturalKey, &ev.Price, &ev.EventType, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price event: %w", err)
		}
		ev.RecordedAt = time.UnixMicro(recordedAt).UTC()
		events = append(events, ev)
	}

	return events, rows.Err()
}

func (c *Client) UpsertTaxRecord(ctx context.Context, rec models.TaxRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tax_records (natural_key, year, assessed_value, annual_tax)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(natural_key, year) DO UPDATE SET
			assessed_value = excluded.assessed_value,
			annual_tax = excluded.annual_tax
	`, rec.NaturalKey, rec.Year, rec.AssessedValue, rec.AnnualTax)
	if err != nil {
		return fmt.Errorf("failed to upsert tax record: %w", err)
	}
	return nil
}

// GetLatestTaxRecord returns the newest assessment for a listing, or nil
// when none exists.
func (c *Client) GetLatestTaxRecord(ctx context.Context, naturalKey string) (*models.TaxRecord, error) {
	var rec models.TaxRecord
	err := c.db.QueryRowContext(ctx, `
		SELECT natural_key, year, assessed_value, annual_tax
		FROM tax_records
		WHERE natural_key = ?
		ORDER BY year DESC
		LIMIT 1
	`, naturalKey).Scan(&rec.NaturalKey, &rec.Year, &rec.AssessedValue, &rec.AnnualTax)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tax record: %w", err)
	}
	return &rec, nil
}

func (c *Client) UpsertEconomicIndicator(ctx context.Context, ind models.EconomicIndicator) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO economic_indicators (region, name, value, period)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region, name, period) DO UPDATE SET
			value = excluded.value
	`, ind.Region, ind.Name, ind.Value, ind.Period)
	if err != nil {
		return fmt.Errorf("failed to upsert economic indicator: %w", err)
	}
	return nil
}

// ListEconomicIndicators returns the latest period's indicators for a region.
func (c *Client) ListEconomicIndicators(ctx context.Context, region string) ([]models.EconomicIndicator, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT region, name, value, period
		FROM economic_indicators
		WHERE region = ?
		AND period = (SELECT MAX(period) FROM economic_indicators WHERE region = ?)
		ORDER BY name ASC
	`, region, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query economic indicators: %w", err)
	}
	defer rows.Close()

	var indicators []models.EconomicIndicator
	for rows.Next() {
		var ind models.EconomicIndicator
		if err := rows.Scan(&ind.Region, &ind.Name, &ind.Value, &ind.Period); err != nil {
			return nil, fmt.Errorf("failed to scan economic indicator: %w", err)
		}
		indicators = append(indicators, ind)
	}

	return indicators, rows.Err()
}

// UpsertEnrichedDocument supersedes any previous document with the same id.
func (c *Client) UpsertEnrichedDocument(ctx context.Context, doc *models.EnrichedDocument) error {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO enriched_documents (document_id, source_id, natural_key, payload, text, template_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			payload = excluded.payload,
			text = excluded.text,
			template_version = excluded.template_version,
			updated_at = excluded.updated_at
	`, doc.DocumentID, doc.SourceID, doc.NaturalKey, string(payload), doc.Text,
		doc.TemplateVersion, doc.UpdatedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to upsert enriched document: %w", err)
	}
	return nil
}

func (c *Client) GetEnrichedDocument(ctx context.Context, documentID string) (*models.EnrichedDocument, error) {
	var doc models.EnrichedDocument
	var payload string
	var updatedAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT document_id, source_id, natural_key, payload, text, template_version, updated_at
		FROM enriched_documents WHERE document_id = ?
	`, documentID).Scan(&doc.DocumentID, &doc.SourceID, &doc.NaturalKey, &payload,
		&doc.Text, &doc.TemplateVersion, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query enriched document: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	doc.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &doc, nil
}

func (c *Client) InsertRunReport(ctx context.Context, report *models.RunReport) error {
	failures, err := json.Marshal(report.Failures)
	if err != nil {
		return fmt.Errorf("failed to marshal run failures: %w", err)
	}

	advanced := 0
	if report.BookmarkAdvanced {
		advanced = 1
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, source_id, window_start, window_end,
			extracted, deduplicated, processed, skipped, failed,
			bookmark_advanced, duration_ms, failures, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, report.SourceID,
		report.WindowStart.UTC().UnixMicro(), report.WindowEnd.UTC().UnixMicro(),
		report.Extracted, report.Deduplicated, report.Processed, report.Skipped,
		report.Failed, advanced, report.DurationMS, string(failures),
		report.StartedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert run report: %w", err)
	}
	return nil
}

func (c *Client) ListRunReports(ctx context.Context, sourceID string, limit int) ([]models.RunReport, error) {
	query := `
		SELECT run_id, source_id, window_start, window_end,
			extracted, deduplicated, processed, skipped, failed,
			bookmark_advanced, duration_ms, failures, started_at
		FROM run_reports
	`
	args := []interface{}{}
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run reports: %w", err)
	}
	defer rows.Close()

	var reports []models.RunReport
	for rows.Next() {
		var r models.RunReport
		var windowStart, windowEnd, startedAt int64
		var advanced int
		var failures string
		if err := rows.Scan(&r.RunID, &r.SourceID, &windowStart, &windowEnd,
			&r.Extracted, &r.Deduplicated, &r.Processed, &r.Skipped, &r.Failed,
			&advanced, &r.DurationMS, &failures, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run report: %w", err)
		}
		r.WindowStart = time.UnixMicro(windowStart).UTC()
		r.WindowEnd = time.UnixMicro(windowEnd).UTC()
		r.StartedAt = time.UnixMicro(startedAt).UTC()
		r.BookmarkAdvanced = advanced == 1
		if failures != "" {
			if err := json.Unmarshal([]byte(failures), &r.Failures); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run failures: %w", err)
			}
		}
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

func (c *Client) InsertQueryRecord(ctx context.Context, rec *models.QueryRecord) error {
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO query_history (id, query_text, filters, narrative, result_count, degraded, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.QueryText, rec.Filters, rec.Narrative, rec.ResultCount,
		degraded, rec.LatencyMS, rec.CreatedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}
	return nil
}

func (c *Client) ListQueryRecords(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_text, filters, narrative, result_count, degraded, latency_ms, created_at
		FROM query_history
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var rec models.QueryRecord
		var degraded int
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.QueryText, &rec.Filters, &rec.Narrative,
			&rec.ResultCount, &degraded, &rec.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan query record: %w", err)
		}
		rec.Degraded = degraded == 1
		rec.CreatedAt = time.UnixMicro(createdAt).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}
