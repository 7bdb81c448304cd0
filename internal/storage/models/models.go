package models

import "time"

// SourceRecord is one fact from one upstream feed, as delivered by the
// ingestion connector. Immutable once read.
type SourceRecord struct {
	SourceID   string
	NaturalKey string
	Payload    map[string]string
	ChangedAt  time.Time
}

// EnrichedDocument is the deduplicated, auxiliary-joined form of a listing.
// Re-ingesting the same natural key supersedes the previous document.
type EnrichedDocument struct {
	DocumentID      string
	SourceID        string
	NaturalKey      string
	Payload         map[string]string
	PriceHistory    []PriceEvent
	Tax             *TaxRecord
	Economics       []EconomicIndicator
	Text            string
	TemplateVersion string
	UpdatedAt       time.Time
}

type PriceEvent struct {
	NaturalKey string
	Price      float64
	EventType  string
	RecordedAt time.Time
}

type TaxRecord struct {
	NaturalKey    string
	Year          int
	AssessedValue float64
	AnnualTax     float64
}

type EconomicIndicator struct {
	Region string
	Name   string
	Value  float64
	Period string
}

// RunReport summarizes one pipeline run over one source.
type RunReport struct {
	RunID            string
	SourceID         string
	WindowStart      time.Time
	WindowEnd        time.Time
	Extracted        int
	Deduplicated     int
	Processed        int
	Skipped          int
	Failed           int
	BookmarkAdvanced bool
	DurationMS       int
	Failures         []DocumentFailure
	StartedAt        time.Time
}

type DocumentFailure struct {
	NaturalKey string
	Stage      string
	Reason     string
}

type QueryRecord struct {
	ID          string
	QueryText   string
	Filters     string
	Narrative   string
	ResultCount int
	Degraded    bool
	LatencyMS   int
	CreatedAt   time.Time
}
