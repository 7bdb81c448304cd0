package enrichment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/identity"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/pkg/logger"
)

// TemplateVersion is stamped on every document so a re-embedded corpus can
// be told apart from one built with an older text layout.
const TemplateVersion = "v1"

// ErrPIIDetected marks a record whose payload carries a field the upstream
// connector should have stripped. The record is dropped, never sanitized.
var ErrPIIDetected = errors.New("payload contains a disallowed field")

// allowedFields is the only set of payload fields that may reach the text
// representation. Everything else is projected away before templating.
var allowedFields = map[string]bool{
	"address":        true,
	"city":           true,
	"state":          true,
	"zip":            true,
	"price":          true,
	"bedrooms":       true,
	"bathrooms":      true,
	"square_feet":    true,
	"lot_size":       true,
	"year_built":     true,
	"property_type":  true,
	"status":         true,
	"description":    true,
	"listing_date":   true,
	"days_on_market": true,
	"hoa_fee":        true,
}

// piiPattern flags payload keys that look like personal data. A key that is
// merely unknown is dropped silently; a key matching this pattern means the
// upstream redaction contract was violated.
var piiPattern = regexp.MustCompile(`(?i)(owner|agent|seller|buyer|tenant|name|phone|email|ssn|dob|license)`)

// FactReader is the read-only view of the auxiliary stores the engine joins
// against. All lookups are best-effort.
type FactReader interface {
	ListPriceEvents(ctx context.Context, naturalKey string, limit int) ([]models.PriceEvent, error)
	GetLatestTaxRecord(ctx context.Context, naturalKey string) (*models.TaxRecord, error)
	ListEconomicIndicators(ctx context.Context, region string) ([]models.EconomicIndicator, error)
}

type Engine struct {
	facts             FactReader
	priceHistoryLimit int
}

func NewEngine(facts FactReader, priceHistoryLimit int) *Engine {
	if priceHistoryLimit <= 0 {
		priceHistoryLimit = 5
	}
	return &Engine{
		facts:             facts,
		priceHistoryLimit: priceHistoryLimit,
	}
}

// Enrich joins one record with its auxiliary facts and renders the text
// representation. Missing facts are omitted; a PII-looking payload field
// fails the record with ErrPIIDetected.
func (e *Engine) Enrich(ctx context.Context, rec models.SourceRecord) (*models.EnrichedDocument, error) {
	payload, err := projectPayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", rec.SourceID, rec.NaturalKey, err)
	}

	doc := &models.EnrichedDocument{
		DocumentID:      identity.DocumentID(rec.SourceID, rec.NaturalKey),
		SourceID:        rec.SourceID,
		NaturalKey:      rec.NaturalKey,
		Payload:         payload,
		TemplateVersion: TemplateVersion,
		UpdatedAt:       rec.ChangedAt,
	}

	history, err := e.facts.ListPriceEvents(ctx, rec.NaturalKey, e.priceHistoryLimit)
	if err != nil {
		logger.Warn("Price history lookup failed, omitting",
			zap.String("natural_key", rec.NaturalKey),
			zap.Error(err),
		)
	} else {
		doc.PriceHistory = history
	}

	tax, err := e.facts.GetLatestTaxRecord(ctx, rec.NaturalKey)
	if err != nil {
		logger.Warn("Tax record lookup failed, omitting",
			zap.String("natural_key", rec.NaturalKey),
			zap.Error(err),
		)
	} else {
		doc.Tax = tax
	}

	if region := payload["city"]; region != "" {
		econ, err := e.facts.ListEconomicIndicators(ctx, region)
		if err != nil {
			logger.Warn("Economic indicator lookup failed, omitting",
				zap.String("region", region),
				zap.Error(err),
			)
		} else {
			doc.Economics = econ
		}
	}

	doc.Text = renderText(doc)

	return doc, nil
}

// projectPayload keeps only allow-listed fields. Disallowed fields that
// look like personal data fail the record outright.
func projectPayload(payload map[string]string) (map[string]string, error) {
	projected := make(map[string]string, len(payload))
	for key, value := range payload {
		if allowedFields[key] {
			if key == "description" {
				value = stripHTML(value)
			}
			projected[key] = value
			continue
		}
		if piiPattern.MatchString(key) {
			return nil, fmt.Errorf("field %q: %w", key, ErrPIIDetected)
		}
	}
	return projected, nil
}

// stripHTML flattens markup that some feeds embed in listing descriptions.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}

	text := doc.Text()
	text = regexp.MustCompile(`\s+`).ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// renderText builds the embedding input. The layout is fixed per
// TemplateVersion: the same effective inputs always produce the same text,
// so embeddings stay reproducible.
func renderText(doc *models.EnrichedDocument) string {
	var b strings.Builder

	b.WriteString("Property listing")
	if addr := doc.Payload["address"]; addr != "" {
		b.WriteString(" at " + addr)
	}
	if city := doc.Payload["city"]; city != "" {
		b.WriteString(", " + city)
		if state := doc.Payload["state"]; state != "" {
			b.WriteString(", " + state)
		}
	}
	b.WriteString(".\n")

	for _, field := range []struct{ key, label string }{
		{"property_type", "Type"},
		{"price", "Price"},
		{"bedrooms", "Bedrooms"},
		{"bathrooms", "Bathrooms"},
		{"square_feet", "Square feet"},
		{"lot_size", "Lot size"},
		{"year_built", "Year built"},
		{"status", "Status"},
		{"days_on_market", "Days on market"},
		{"hoa_fee", "HOA fee"},
	} {
		if v := doc.Payload[field.key]; v != "" {
			b.WriteString(fmt.Sprintf("%s: %s\n", field.label, v))
		}
	}

	if desc := doc.Payload["description"]; desc != "" {
		b.WriteString("Description: " + desc + "\n")
	}

	if len(doc.PriceHistory) > 0 {
		b.WriteString("Price history:\n")
		for _, ev := range doc.PriceHistory {
			b.WriteString(fmt.Sprintf("- %s: $%.0f (%s)\n",
				ev.RecordedAt.Format("2006-01-02"), ev.Price, ev.EventType))
		}
	}

	if doc.Tax != nil {
		b.WriteString(fmt.Sprintf("Tax assessment %d: assessed $%.0f, annual tax $%.0f\n",
			doc.Tax.Year, doc.Tax.AssessedValue, doc.Tax.AnnualTax))
	}

	if len(doc.Economics) > 0 {
		sorted := make([]models.EconomicIndicator, len(doc.Economics))
		copy(sorted, doc.Economics)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

		b.WriteString("Local market indicators:\n")
		for _, ind := range sorted {
			b.WriteString(fmt.Sprintf("- %s (%s): %.2f\n", ind.Name, ind.Period, ind.Value))
		}
	}

	return b.String()
}
