package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/metrics"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/internal/vector"
	"github.com/housing-intel/backend/pkg/logger"
)

// NoResultsNarrative is returned when retrieval finds nothing; this is a
// normal response, not an error.
const NoResultsNarrative = "No listings matched your query and filters."

// ErrRetrieval marks a request that failed before any sources were
// retrieved. Generation failures after successful retrieval do not error:
// they produce a degraded response carrying the sources.
var ErrRetrieval = errors.New("retrieval failed")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, queryVector []float32, filters vector.Filters, topK int) ([]vector.SearchResult, error)
}

type Generator interface {
	Generate(ctx context.Context, query, contextText string) (string, error)
}

type HistoryStore interface {
	InsertQueryRecord(ctx context.Context, rec *models.QueryRecord) error
}

// ResponseCache is an optional read-through cache for full responses.
// Correctness never depends on it.
type ResponseCache interface {
	GetQuery(ctx context.Context, key string, out interface{}) (bool, error)
	SetQuery(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type Request struct {
	Query   string
	Filters vector.Filters
}

type Source struct {
	DocumentID string  `json:"document_id"`
	NaturalKey string  `json:"natural_key"`
	City       string  `json:"city"`
	Price      float64 `json:"price"`
	Bedrooms   int     `json:"bedrooms"`
	Score      float32 `json:"score"`
}

type Response struct {
	ID                    string   `json:"id"`
	Query                 string   `json:"query"`
	Narrative             string   `json:"narrative"`
	GenerationUnavailable bool     `json:"generation_unavailable"`
	Sources               []Source `json:"sources"`
	ResultCount           int      `json:"result_count"`
	LatencyMS             int      `json:"latency_ms"`
}

type Config struct {
	TopK              int
	ContextCharBudget int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	CacheTTL          time.Duration
}

type Engine struct {
	embedder  Embedder
	searcher  Searcher
	generator Generator
	history   HistoryStore
	cache     ResponseCache
	cfg       Config
}

func NewEngine(embedder Embedder, searcher Searcher, generator Generator,
	history HistoryStore, cache ResponseCache, cfg Config) *Engine {

	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.ContextCharBudget <= 0 {
		cfg.ContextCharBudget = 6000
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 10 * time.Second
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 45 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	return &Engine{
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		history:   history,
		cache:     cache,
		cfg:       cfg,
	}
}

// Handle answers one query: embed, filtered search, assemble context,
// generate, respond with passthrough relevance scores. The request path is
// read-only apart from history and cache writes.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	queryID := uuid.New().String()

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.String("query", req.Query),
	)

	cacheKey := requestKey(req)
	if e.cache != nil {
		var cached Response
		hit, err := e.cache.GetQuery(ctx, cacheKey, &cached)
		if err != nil {
			logger.Warn("Query cache read failed", zap.Error(err))
		} else if hit {
			metrics.CacheHits.WithLabelValues("query").Inc()
			return &cached, nil
		}
		metrics.CacheMisses.WithLabelValues("query").Inc()
	}

	results, err := e.retrieve(ctx, req)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("retrieval_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	results = dedupeResults(results)

	response := &Response{
		ID:          queryID,
		Query:       req.Query,
		Sources:     toSources(results),
		ResultCount: len(results),
	}

	if len(results) == 0 {
		response.Narrative = NoResultsNarrative
		e.finish(ctx, req, response, startTime, "no_results")
		return response, nil
	}

	contextText := assembleContext(results, e.cfg.ContextCharBudget)

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	narrative, err := e.generator.Generate(genCtx, req.Query, contextText)
	cancel()
	if err != nil {
		// Retrieval already succeeded: degrade rather than fail, keeping
		// the sources usable.
		logger.Warn("Generation unavailable, returning sources only",
			zap.String("query_id", queryID),
			zap.Error(err),
		)
		response.GenerationUnavailable = true
		e.finish(ctx, req, response, startTime, "generation_unavailable")
		return response, nil
	}

	response.Narrative = narrative
	e.finish(ctx, req, response, startTime, "ok")

	if e.cache != nil {
		if err := e.cache.SetQuery(ctx, cacheKey, response, e.cfg.CacheTTL); err != nil {
			logger.Warn("Query cache write failed", zap.Error(err))
		}
	}

	return response, nil
}

func (e *Engine) retrieve(ctx context.Context, req Request) ([]vector.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RetrievalTimeout)
	defer cancel()

	queryVector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := e.searcher.Search(ctx, queryVector, req.Filters, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	return results, nil
}

func (e *Engine) finish(ctx context.Context, req Request, response *Response, startTime time.Time, status string) {
	response.LatencyMS = int(time.Since(startTime).Milliseconds())

	metrics.QueryTotal.WithLabelValues(status).Inc()
	metrics.QueryDuration.Observe(time.Since(startTime).Seconds())

	if e.history == nil {
		return
	}

	filters, _ := json.Marshal(req.Filters)
	record := &models.QueryRecord{
		ID:          response.ID,
		QueryText:   req.Query,
		Filters:     string(filters),
		Narrative:   response.Narrative,
		ResultCount: response.ResultCount,
		Degraded:    response.GenerationUnavailable,
		LatencyMS:   response.LatencyMS,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.history.InsertQueryRecord(ctx, record); err != nil {
		logger.Warn("Failed to persist query record",
			zap.String("query_id", response.ID),
			zap.Error(err),
		)
	}

	logger.Info("Query processed",
		zap.String("query_id", response.ID),
		zap.String("status", status),
		zap.Int("results", response.ResultCount),
		zap.Int("latency_ms", response.LatencyMS),
	)
}

// dedupeResults keeps the higher-ranked entry when two hits resolve to the
// same document id. The index should make this impossible; defended anyway.
func dedupeResults(results []vector.SearchResult) []vector.SearchResult {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.DocumentID] {
			continue
		}
		seen[r.DocumentID] = true
		out = append(out, r)
	}
	return out
}

// assembleContext concatenates retrieved texts in rank order until the
// character budget is spent. At least the top result is always included,
// truncated if oversized.
func assembleContext(results []vector.SearchResult, budget int) string {
	var b strings.Builder

	for i, r := range results {
		section := fmt.Sprintf("[Listing %d] (relevance %.3f)\n%s\n\n", i+1, r.Score, r.Metadata.Text)

		if b.Len()+len(section) > budget {
			if i == 0 {
				b.WriteString(section[:budget])
			}
			break
		}
		b.WriteString(section)
	}

	return b.String()
}

func toSources(results []vector.SearchResult) []Source {
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, Source{
			DocumentID: r.DocumentID,
			NaturalKey: r.Metadata.NaturalKey,
			City:       r.Metadata.City,
			Price:      r.Metadata.Price,
			Bedrooms:   r.Metadata.Bedrooms,
			Score:      r.Score,
		})
	}
	return sources
}

func requestKey(req Request) string {
	payload, _ := json.Marshal(struct {
		Query   string         `json:"query"`
		Filters vector.Filters `json:"filters"`
	}{req.Query, req.Filters})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
