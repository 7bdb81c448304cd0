package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/housing-intel/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.InitSchema())
	return client
}

func TestListChangedRecordsHalfOpenWindow(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{"A1", "A2", "A3"} {
		require.NoError(t, client.InsertSourceRecord(ctx, models.SourceRecord{
			SourceID:   "mls-austin",
			NaturalKey: key,
			Payload:    map[string]string{"city": "Austin"},
			ChangedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Lower bound exclusive: the record stamped exactly at `after` stays out.
	records, err := client.ListChangedRecords(ctx, "mls-austin", base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "A2", records[0].NaturalKey)

	// Upper bound inclusive.
	records, err = client.ListChangedRecords(ctx, "mls-austin", base.Add(-time.Second), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, base, records[0].ChangedAt)
}

func TestListChangedRecordsScopedBySource(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, client.InsertSourceRecord(ctx, models.SourceRecord{
		SourceID: "mls-austin", NaturalKey: "A1", Payload: map[string]string{}, ChangedAt: now,
	}))
	require.NoError(t, client.InsertSourceRecord(ctx, models.SourceRecord{
		SourceID: "mls-dallas", NaturalKey: "D1", Payload: map[string]string{}, ChangedAt: now,
	}))

	records, err := client.ListChangedRecords(ctx, "mls-austin", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "A1", records[0].NaturalKey)
}

func TestPriceEventsNewestFirstAndCapped(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, client.InsertPriceEvent(ctx, models.PriceEvent{
			NaturalKey: "A1",
			Price:      500000 - float64(i*10000),
			EventType:  "price_change",
			RecordedAt: base.AddDate(0, 0, i),
		}))
	}

	events, err := client.ListPriceEvents(ctx, "A1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, 460000.0, events[0].Price)
	require.True(t, events[0].RecordedAt.After(events[1].RecordedAt))
}

func TestLatestTaxRecord(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	rec, err := client.GetLatestTaxRecord(ctx, "A1")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, client.UpsertTaxRecord(ctx, models.TaxRecord{
		NaturalKey: "A1", Year: 2024, AssessedValue: 410000, AnnualTax: 8200,
	}))
	require.NoError(t, client.UpsertTaxRecord(ctx, models.TaxRecord{
		NaturalKey: "A1", Year: 2025, AssessedValue: 430000, AnnualTax: 8600,
	}))

	rec, err = client.GetLatestTaxRecord(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 2025, rec.Year)
	require.Equal(t, 430000.0, rec.AssessedValue)
}

func TestEconomicIndicatorsLatestPeriodOnly(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, ind := range []models.EconomicIndicator{
		{Region: "Austin", Name: "median_price", Value: 540000, Period: "2026-01"},
		{Region: "Austin", Name: "median_price", Value: 552000, Period: "2026-02"},
		{Region: "Austin", Name: "mortgage_rate", Value: 6.1, Period: "2026-02"},
		{Region: "Dallas", Name: "median_price", Value: 420000, Period: "2026-02"},
	} {
		require.NoError(t, client.UpsertEconomicIndicator(ctx, ind))
	}

	indicators, err := client.ListEconomicIndicators(ctx, "Austin")
	require.NoError(t, err)
	require.Len(t, indicators, 2)
	for _, ind := range indicators {
		require.Equal(t, "2026-02", ind.Period)
		require.Equal(t, "Austin", ind.Region)
	}
}

func TestEnrichedDocumentSupersede(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	docID := "deadbeef"
	first := &models.EnrichedDocument{
		DocumentID:      docID,
		SourceID:        "mls-austin",
		NaturalKey:      "A1",
		Payload:         map[string]string{"price": "480000"},
		Text:            "Listing A1 priced at 480000",
		TemplateVersion: "v1",
		UpdatedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, client.UpsertEnrichedDocument(ctx, first))

	second := &models.EnrichedDocument{
		DocumentID:      docID,
		SourceID:        "mls-austin",
		NaturalKey:      "A1",
		Payload:         map[string]string{"price": "460000"},
		Text:            "Listing A1 priced at 460000",
		TemplateVersion: "v1",
		UpdatedAt:       time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, client.UpsertEnrichedDocument(ctx, second))

	got, err := client.GetEnrichedDocument(ctx, docID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "460000", got.Payload["price"])
	require.Equal(t, second.Text, got.Text)
	require.Equal(t, second.UpdatedAt, got.UpdatedAt)
}

func TestGetEnrichedDocumentMissing(t *testing.T) {
	client := newTestClient(t)

	got, err := client.GetEnrichedDocument(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRunReportRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	report := &models.RunReport{
		RunID:            "run-1",
		SourceID:         "mls-austin",
		WindowStart:      started.Add(-time.Hour),
		WindowEnd:        started,
		Extracted:        10,
		Deduplicated:     8,
		Processed:        7,
		Skipped:          1,
		Failed:           0,
		BookmarkAdvanced: true,
		DurationMS:       1200,
		Failures: []models.DocumentFailure{
			{NaturalKey: "A9", Stage: "embed", Reason: "embedding service unavailable"},
		},
		StartedAt: started,
	}
	require.NoError(t, client.InsertRunReport(ctx, report))

	reports, err := client.ListRunReports(ctx, "mls-austin", 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	got := reports[0]
	require.Equal(t, report.RunID, got.RunID)
	require.Equal(t, report.WindowStart, got.WindowStart)
	require.Equal(t, report.WindowEnd, got.WindowEnd)
	require.True(t, got.BookmarkAdvanced)
	require.Len(t, got.Failures, 1)
	require.Equal(t, "embed", got.Failures[0].Stage)

	// Unfiltered listing sees all sources.
	all, err := client.ListRunReports(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestQueryHistoryNewestFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, client.InsertQueryRecord(ctx, &models.QueryRecord{
			ID:          string(rune('a' + i)),
			QueryText:   text,
			Filters:     `{"city":"Austin"}`,
			Narrative:   "...",
			ResultCount: i,
			Degraded:    i == 2,
			LatencyMS:   100,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := client.ListQueryRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "third", records[0].QueryText)
	require.True(t, records[0].Degraded)
	require.Equal(t, "second", records[1].QueryText)
}
