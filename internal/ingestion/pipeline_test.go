package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housing-intel/backend/internal/enrichment"
	"github.com/housing-intel/backend/internal/identity"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/internal/vector"
)

type fakeBookmarks struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func newFakeBookmarks() *fakeBookmarks {
	return &fakeBookmarks{marks: map[string]time.Time{}}
}

func (f *fakeBookmarks) Get(_ context.Context, sourceID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark, ok := f.marks[sourceID]
	return mark, ok, nil
}

func (f *fakeBookmarks) Advance(_ context.Context, sourceID string, watermark time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.marks[sourceID]; ok && watermark.Before(current) {
		return errors.New("stale watermark")
	}
	f.marks[sourceID] = watermark
	return nil
}

type fakeSource struct {
	records []models.SourceRecord
}

func (f *fakeSource) ListChangedRecords(_ context.Context, sourceID string, after, until time.Time) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	for _, rec := range f.records {
		if rec.SourceID != sourceID {
			continue
		}
		if rec.ChangedAt.After(after) && !rec.ChangedAt.After(until) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for needle, err := range f.failFor {
		if needle != "" && strings.Contains(text, needle) {
			return nil, err
		}
	}
	// Deterministic vector derived from the text length.
	return []float32{float32(len(text)), 1, 0}, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]vector.Entry
	failErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: map[string]vector.Entry{}}
}

func (f *fakeIndex) Upsert(_ context.Context, entries []vector.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	for _, e := range entries {
		f.entries[e.DocumentID] = e
	}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, filters vector.Filters, topK int) ([]vector.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vector.SearchResult
	for id, e := range f.entries {
		if !filters.Match(e.Metadata) {
			continue
		}
		out = append(out, vector.SearchResult{DocumentID: id, Score: 0.9, Metadata: e.Metadata})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

type fakeDocStore struct {
	mu   sync.Mutex
	docs map[string]*models.EnrichedDocument
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: map[string]*models.EnrichedDocument{}}
}

func (f *fakeDocStore) UpsertEnrichedDocument(_ context.Context, doc *models.EnrichedDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.DocumentID] = doc
	return nil
}

type emptyFacts struct{}

func (emptyFacts) ListPriceEvents(context.Context, string, int) ([]models.PriceEvent, error) {
	return nil, nil
}
func (emptyFacts) GetLatestTaxRecord(context.Context, string) (*models.TaxRecord, error) {
	return nil, nil
}
func (emptyFacts) ListEconomicIndicators(context.Context, string) ([]models.EconomicIndicator, error) {
	return nil, nil
}

type harness struct {
	pipeline  *Pipeline
	bookmarks *fakeBookmarks
	source    *fakeSource
	embedder  *fakeEmbedder
	index     *fakeIndex
	docs      *fakeDocStore
}

func newHarness() *harness {
	h := &harness{
		bookmarks: newFakeBookmarks(),
		source:    &fakeSource{},
		embedder:  &fakeEmbedder{},
		index:     newFakeIndex(),
		docs:      newFakeDocStore(),
	}
	h.pipeline = NewPipeline(
		h.bookmarks, h.source,
		enrichment.NewEngine(emptyFacts{}, 5),
		h.embedder, h.index, h.docs, nil, 2,
	)
	return h
}

func rec(key, city, price string, changedAt time.Time) models.SourceRecord {
	return models.SourceRecord{
		SourceID:   "mls-austin",
		NaturalKey: key,
		Payload:    map[string]string{"city": city, "price": price, "bedrooms": "3"},
		ChangedAt:  changedAt,
	}
}

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
)

func TestRunDedupesWithinBatchLastWriterWins(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{
		rec("A1", "Austin", "480000", t1),
		rec("A1", "Austin", "460000", t2),
	}

	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 1, report.Deduplicated)
	assert.Equal(t, 1, report.Processed)

	docID := identity.DocumentID("mls-austin", "A1")
	require.Len(t, h.index.entries, 1)
	assert.Equal(t, 460000.0, h.index.entries[docID].Metadata.Price)
}

func TestRunAdvancesBookmarkToMaxChangedAt(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{
		rec("A1", "Austin", "480000", t1),
		rec("B2", "Austin", "520000", t2),
	}

	_, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	mark, found, err := h.bookmarks.Get(context.Background(), "mls-austin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, mark.Equal(t2))
}

func TestRunEmptyWindowLeavesBookmarkUntouched(t *testing.T) {
	h := newHarness()

	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Extracted)
	assert.False(t, report.BookmarkAdvanced)

	_, found, err := h.bookmarks.Get(context.Background(), "mls-austin")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunHalfOpenWindowExcludesBookmarkTimestamp(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{
		rec("A1", "Austin", "480000", t1),
	}
	require.NoError(t, h.bookmarks.Advance(context.Background(), "mls-austin", t1))

	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Extracted)
	assert.Empty(t, h.index.entries)
}

func TestRunReingestSupersedesAcrossRuns(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{rec("A1", "Austin", "480000", t1)}

	_, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	h.source.records = append(h.source.records, rec("A1", "Austin", "460000", t2))

	_, err = h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	docID := identity.DocumentID("mls-austin", "A1")
	require.Len(t, h.index.entries, 1)
	assert.Equal(t, 460000.0, h.index.entries[docID].Metadata.Price)
}

func TestRunCrashBeforeCommitReplaysWindow(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{
		rec("A1", "Austin", "480000", t1),
		rec("B2", "Austin", "520000", t2),
	}

	// Simulate a crash between upsert and bookmark commit: the index write
	// fails at the batch level, so nothing commits.
	h.index.failErr = vector.ErrIndexUnavailable
	_, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.Error(t, err)

	_, found, _ := h.bookmarks.Get(context.Background(), "mls-austin")
	assert.False(t, found, "bookmark must not advance when the batch aborts")

	// Rerun over the same window converges to the same final state.
	h.index.failErr = nil
	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Extracted)
	assert.Len(t, h.index.entries, 2)

	// A third run sees an empty window and changes nothing.
	report, err = h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Extracted)
	assert.Len(t, h.index.entries, 2)
}

func TestRunEmbedFailureSkipsDocumentNotBatch(t *testing.T) {
	h := newHarness()
	h.embedder.failFor = map[string]error{"Fargo": errors.New("text rejected")}
	h.source.records = []models.SourceRecord{
		rec("A1", "Austin", "480000", t1),
		rec("F9", "Fargo", "310000", t2),
	}

	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "embed", report.Failures[0].Stage)
	assert.Equal(t, "F9", report.Failures[0].NaturalKey)

	// The bookmark advances past the failed record.
	mark, found, _ := h.bookmarks.Get(context.Background(), "mls-austin")
	assert.True(t, found)
	assert.True(t, mark.Equal(t2))
}

func TestRunDropsPIIRecordAndContinues(t *testing.T) {
	h := newHarness()
	bad := rec("X7", "Austin", "400000", t1)
	bad.Payload["owner_email"] = "leak@example.com"
	h.source.records = []models.SourceRecord{
		bad,
		rec("A1", "Austin", "480000", t2),
	}

	report, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "enrich", report.Failures[0].Stage)
	assert.Len(t, h.index.entries, 1)
}

func TestRunCancelledContextAborts(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{rec("A1", "Austin", "480000", t1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Run(ctx, "mls-austin")
	require.Error(t, err)

	_, found, _ := h.bookmarks.Get(context.Background(), "mls-austin")
	assert.False(t, found)
}

func TestRunProgressEvents(t *testing.T) {
	h := newHarness()
	h.source.records = []models.SourceRecord{rec("A1", "Austin", "480000", t1)}

	var stages []string
	h.pipeline.Progress = func(ev RunEvent) {
		stages = append(stages, ev.Stage)
	}

	_, err := h.pipeline.Run(context.Background(), "mls-austin")
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "deduplicate", "enrich", "embed", "upsert", "commit"}, stages)
}

func TestDedupeRecordsKeepsLatest(t *testing.T) {
	records := []models.SourceRecord{
		rec("A1", "Austin", "480000", t2),
		rec("A1", "Austin", "500000", t1),
		rec("B2", "Austin", "350000", t1),
	}

	deduped := dedupeRecords(records)

	require.Len(t, deduped, 2)
	assert.Equal(t, "A1", deduped[0].NaturalKey)
	assert.Equal(t, "480000", deduped[0].Payload["price"])
	assert.Equal(t, "B2", deduped[1].NaturalKey)
}
