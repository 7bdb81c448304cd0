package ingestion

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/identity"
	"github.com/housing-intel/backend/internal/metrics"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/internal/vector"
	"github.com/housing-intel/backend/pkg/logger"
)

// BookmarkStore is the durable per-source watermark.
type BookmarkStore interface {
	Get(ctx context.Context, sourceID string) (time.Time, bool, error)
	Advance(ctx context.Context, sourceID string, watermark time.Time) error
}

// RecordSource yields records in the half-open window (after, until].
type RecordSource interface {
	ListChangedRecords(ctx context.Context, sourceID string, after, until time.Time) ([]models.SourceRecord, error)
}

type Enricher interface {
	Enrich(ctx context.Context, rec models.SourceRecord) (*models.EnrichedDocument, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, entries []vector.Entry) error
}

// DocumentStore persists enriched documents; re-writing a document id
// supersedes the previous version.
type DocumentStore interface {
	UpsertEnrichedDocument(ctx context.Context, doc *models.EnrichedDocument) error
}

type ReportStore interface {
	InsertRunReport(ctx context.Context, report *models.RunReport) error
}

// RunEvent is a progress notification emitted while a run executes.
type RunEvent struct {
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	Count    int    `json:"count"`
}

type Pipeline struct {
	bookmarks        BookmarkStore
	source           RecordSource
	enricher         Enricher
	embedder         Embedder
	index            VectorIndex
	documents        DocumentStore
	reports          ReportStore
	embedConcurrency int

	// Progress, when set, receives stage notifications. Must be safe for
	// concurrent use; the pipeline calls it from the run goroutine only.
	Progress func(RunEvent)
}

func NewPipeline(bookmarks BookmarkStore, source RecordSource, enricher Enricher,
	embedder Embedder, index VectorIndex, documents DocumentStore,
	reports ReportStore, embedConcurrency int) *Pipeline {

	if embedConcurrency <= 0 {
		embedConcurrency = 4
	}

	return &Pipeline{
		bookmarks:        bookmarks,
		source:           source,
		enricher:         enricher,
		embedder:         embedder,
		index:            index,
		documents:        documents,
		reports:          reports,
		embedConcurrency: embedConcurrency,
	}
}

type embedResult struct {
	doc    *models.EnrichedDocument
	vector []float32
	err    error
}

// Run executes one batch over one source: extract, deduplicate, enrich,
// embed, upsert, then commit the bookmark. Per-document failures are
// isolated; only batch-level failures abort before the bookmark commit,
// which guarantees the same window is replayed next run.
func (p *Pipeline) Run(ctx context.Context, sourceID string) (*models.RunReport, error) {
	runStart := time.Now().UTC()
	report := &models.RunReport{
		RunID:     uuid.New().String(),
		SourceID:  sourceID,
		WindowEnd: runStart,
		StartedAt: runStart,
	}

	logger.Info("Ingestion run started",
		zap.String("run_id", report.RunID),
		zap.String("source_id", sourceID),
	)

	// Extract. run_start is captured once so continuous upstream writes
	// cannot stretch the window.
	mark, found, err := p.bookmarks.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmark for %s: %w", sourceID, err)
	}
	report.WindowStart = mark

	records, err := p.source.ListChangedRecords(ctx, sourceID, mark, runStart)
	if err != nil {
		return nil, fmt.Errorf("failed to extract records for %s: %w", sourceID, err)
	}
	report.Extracted = len(records)
	p.notify(report, "extract", fmt.Sprintf("%d records in window", len(records)), len(records))

	if len(records) == 0 {
		// Empty batch: the bookmark is left untouched.
		report.DurationMS = int(time.Since(runStart).Milliseconds())
		p.persistReport(ctx, report)
		logger.Info("Ingestion run finished: empty window",
			zap.String("run_id", report.RunID),
			zap.String("source_id", sourceID),
			zap.Bool("first_run", !found),
		)
		return report, nil
	}

	// Deduplicate: last writer wins per natural key within the batch.
	deduped := dedupeRecords(records)
	report.Deduplicated = len(records) - len(deduped)
	p.notify(report, "deduplicate", fmt.Sprintf("%d unique listings", len(deduped)), len(deduped))

	// The bookmark target is the maximum changed_at observed in the
	// extracted batch, including records that later fail: a record that
	// cannot be processed must not block future progress.
	maxChanged := records[0].ChangedAt
	for _, rec := range records[1:] {
		if rec.ChangedAt.After(maxChanged) {
			maxChanged = rec.ChangedAt
		}
	}

	// Enrich, guarding the identity invariant: two distinct natural keys
	// hashing to the same document id is a defect, not an overwrite.
	keyByID := make(map[string]string, len(deduped))
	var enriched []*models.EnrichedDocument
	for _, rec := range deduped {
		docID := identity.DocumentID(rec.SourceID, rec.NaturalKey)
		if prior, ok := keyByID[docID]; ok && prior != rec.NaturalKey {
			logger.Error("Document id collision across distinct natural keys",
				zap.String("document_id", docID),
				zap.String("natural_key", rec.NaturalKey),
				zap.String("colliding_key", prior),
			)
			report.Failed++
			report.Failures = append(report.Failures, models.DocumentFailure{
				NaturalKey: rec.NaturalKey,
				Stage:      "identity",
				Reason:     "document id collision with natural key " + prior,
			})
			continue
		}
		keyByID[docID] = rec.NaturalKey

		doc, err := p.enricher.Enrich(ctx, rec)
		if err != nil {
			logger.Error("Record dropped during enrichment",
				zap.String("source_id", rec.SourceID),
				zap.String("natural_key", rec.NaturalKey),
				zap.Error(err),
			)
			report.Failed++
			report.Failures = append(report.Failures, models.DocumentFailure{
				NaturalKey: rec.NaturalKey,
				Stage:      "enrich",
				Reason:     err.Error(),
			})
			continue
		}
		enriched = append(enriched, doc)
	}
	p.notify(report, "enrich", fmt.Sprintf("%d documents enriched", len(enriched)), len(enriched))

	// Embed with bounded concurrency. Order does not matter: identity and
	// upsert are idempotent per document id.
	results := p.embedAll(ctx, enriched)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("run cancelled during embedding: %w", ctx.Err())
	}

	var entries []vector.Entry
	var toPersist []*models.EnrichedDocument
	for _, res := range results {
		if res.err != nil {
			logger.Warn("Document skipped: embedding failed",
				zap.String("document_id", res.doc.DocumentID),
				zap.String("natural_key", res.doc.NaturalKey),
				zap.Error(res.err),
			)
			report.Skipped++
			report.Failures = append(report.Failures, models.DocumentFailure{
				NaturalKey: res.doc.NaturalKey,
				Stage:      "embed",
				Reason:     res.err.Error(),
			})
			continue
		}
		entries = append(entries, vector.Entry{
			DocumentID: res.doc.DocumentID,
			Vector:     res.vector,
			Metadata:   entryMetadata(res.doc),
		})
		toPersist = append(toPersist, res.doc)
	}
	p.notify(report, "embed", fmt.Sprintf("%d documents embedded", len(entries)), len(entries))

	// Upsert. A batch-level index failure aborts the run before the
	// bookmark commit so the window replays.
	if err := p.index.Upsert(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to upsert %d entries: %w", len(entries), err)
	}
	for _, doc := range toPersist {
		if err := p.documents.UpsertEnrichedDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to persist document %s: %w", doc.DocumentID, err)
		}
	}
	report.Processed = len(entries)
	p.notify(report, "upsert", fmt.Sprintf("%d entries upserted", len(entries)), len(entries))

	// Commit bookmark, strictly after the writes above are durable.
	if err := p.bookmarks.Advance(ctx, sourceID, maxChanged); err != nil {
		return nil, fmt.Errorf("failed to advance bookmark for %s: %w", sourceID, err)
	}
	report.BookmarkAdvanced = true

	report.DurationMS = int(time.Since(runStart).Milliseconds())
	p.persistReport(ctx, report)
	p.notify(report, "commit", "bookmark advanced", report.Processed)

	metrics.DocumentsProcessed.WithLabelValues(sourceID, "processed").Add(float64(report.Processed))
	metrics.DocumentsProcessed.WithLabelValues(sourceID, "skipped").Add(float64(report.Skipped))
	metrics.DocumentsProcessed.WithLabelValues(sourceID, "failed").Add(float64(report.Failed))
	metrics.IngestionRunDuration.WithLabelValues(sourceID).Observe(time.Since(runStart).Seconds())
	metrics.IngestionRunsTotal.WithLabelValues(sourceID, "completed").Inc()

	logger.Info("Ingestion run finished",
		zap.String("run_id", report.RunID),
		zap.String("source_id", sourceID),
		zap.Int("extracted", report.Extracted),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Time("watermark", maxChanged),
	)

	return report, nil
}

func (p *Pipeline) embedAll(ctx context.Context, docs []*models.EnrichedDocument) []embedResult {
	results := make([]embedResult, len(docs))
	sem := make(chan struct{}, p.embedConcurrency)
	var wg sync.WaitGroup

	for i, doc := range docs {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, doc *models.EnrichedDocument) {
			defer wg.Done()
			defer func() { <-sem }()

			vec, err := p.embedder.Embed(ctx, doc.Text)
			results[i] = embedResult{doc: doc, vector: vec, err: err}
		}(i, doc)
	}

	wg.Wait()

	// Slots never scheduled because of cancellation keep their zero value;
	// give them a doc so reporting does not dereference nil.
	for i := range results {
		if results[i].doc == nil {
			results[i] = embedResult{doc: docs[i], err: ctx.Err()}
		}
	}

	return results
}

func (p *Pipeline) persistReport(ctx context.Context, report *models.RunReport) {
	if p.reports == nil {
		return
	}
	if err := p.reports.InsertRunReport(ctx, report); err != nil {
		logger.Warn("Failed to persist run report",
			zap.String("run_id", report.RunID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) notify(report *models.RunReport, stage, message string, count int) {
	if p.Progress == nil {
		return
	}
	p.Progress(RunEvent{
		RunID:    report.RunID,
		SourceID: report.SourceID,
		Stage:    stage,
		Message:  message,
		Count:    count,
	})
}

// dedupeRecords keeps, per natural key, the record with the greatest
// changed_at. Result order follows first appearance in the batch.
func dedupeRecords(records []models.SourceRecord) []models.SourceRecord {
	latest := make(map[string]models.SourceRecord, len(records))
	var order []string

	for _, rec := range records {
		existing, ok := latest[rec.NaturalKey]
		if !ok {
			order = append(order, rec.NaturalKey)
			latest[rec.NaturalKey] = rec
			continue
		}
		if rec.ChangedAt.After(existing.ChangedAt) {
			latest[rec.NaturalKey] = rec
		}
	}

	deduped := make([]models.SourceRecord, 0, len(latest))
	for _, key := range order {
		deduped = append(deduped, latest[key])
	}
	return deduped
}

func entryMetadata(doc *models.EnrichedDocument) vector.Metadata {
	return vector.Metadata{
		SourceID:     doc.SourceID,
		NaturalKey:   doc.NaturalKey,
		City:         doc.Payload["city"],
		PropertyType: doc.Payload["property_type"],
		Price:        parsePrice(doc.Payload["price"]),
		Bedrooms:     parseInt(doc.Payload["bedrooms"]),
		Text:         doc.Text,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
