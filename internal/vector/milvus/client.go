package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/vector"
	"github.com/housing-intel/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	}

	c, err := client.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Real-estate listing embeddings",
		Fields: []*entity.Field{
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "source_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "natural_key",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     "city",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "property_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "price",
				DataType: entity.FieldTypeDouble,
			},
			{
				Name:     "bedrooms",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     "updated_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Upsert writes entries keyed by document_id. A repeated id replaces the
// prior row, which is what keeps one entry per listing across re-ingestion.
func (m *Client) Upsert(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	documentIDs := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	sourceIDs := make([]string, len(entries))
	naturalKeys := make([]string, len(entries))
	cities := make([]string, len(entries))
	propertyTypes := make([]string, len(entries))
	prices := make([]float64, len(entries))
	bedrooms := make([]int64, len(entries))
	texts := make([]string, len(entries))
	updatedAts := make([]int64, len(entries))

	for i, e := range entries {
		documentIDs[i] = e.DocumentID
		embeddings[i] = e.Vector
		sourceIDs[i] = e.Metadata.SourceID
		naturalKeys[i] = e.Metadata.NaturalKey
		cities[i] = e.Metadata.City
		propertyTypes[i] = e.Metadata.PropertyType
		prices[i] = e.Metadata.Price
		bedrooms[i] = int64(e.Metadata.Bedrooms)
		texts[i] = e.Metadata.Text
		updatedAts[i] = e.Metadata.UpdatedAt.UTC().UnixMicro()
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("source_id", sourceIDs),
		entity.NewColumnVarChar("natural_key", naturalKeys),
		entity.NewColumnVarChar("city", cities),
		entity.NewColumnVarChar("property_type", propertyTypes),
		entity.NewColumnDouble("price", prices),
		entity.NewColumnInt64("bedrooms", bedrooms),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnInt64("updated_at", updatedAts),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert entries: %v", vector.ErrIndexUnavailable, err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("%w: failed to flush: %v", vector.ErrIndexUnavailable, err)
	}

	logger.Info("Entries upserted into vector index", zap.Int("count", len(entries)))

	return nil
}

// Search runs filtered nearest-neighbor search. Filters become a boolean
// expression evaluated by Milvus, so excluded rows never enter the ranking.
func (m *Client) Search(ctx context.Context, queryVector []float32, filters vector.Filters, topK int) ([]vector.SearchResult, error) {
	expr := buildExpr(filters)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build search params: %v", vector.ErrInvalidFilter, err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"document_id", "source_id", "natural_key", "city", "property_type", "price", "bedrooms", "text", "updated_at"},
		[]entity.Vector{entity.FloatVector(queryVector)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		if strings.Contains(err.Error(), "cannot parse expression") {
			return nil, fmt.Errorf("%w: %v", vector.ErrInvalidFilter, err)
		}
		return nil, fmt.Errorf("%w: search failed: %v", vector.ErrIndexUnavailable, err)
	}

	results := make([]vector.SearchResult, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("document_id")
		sourceCol := sr.Fields.GetColumn("source_id")
		keyCol := sr.Fields.GetColumn("natural_key")
		cityCol := sr.Fields.GetColumn("city")
		typeCol := sr.Fields.GetColumn("property_type")
		priceCol := sr.Fields.GetColumn("price")
		bedroomsCol := sr.Fields.GetColumn("bedrooms")
		textCol := sr.Fields.GetColumn("text")
		updatedCol := sr.Fields.GetColumn("updated_at")

		for i := 0; i < sr.ResultCount; i++ {
			documentID, _ := idCol.GetAsString(i)
			sourceID, _ := sourceCol.GetAsString(i)
			naturalKey, _ := keyCol.GetAsString(i)
			city, _ := cityCol.GetAsString(i)
			propertyType, _ := typeCol.GetAsString(i)
			price, _ := priceCol.GetAsDouble(i)
			beds, _ := bedroomsCol.GetAsInt64(i)
			text, _ := textCol.GetAsString(i)
			updatedAt, _ := updatedCol.GetAsInt64(i)

			results = append(results, vector.SearchResult{
				DocumentID: documentID,
				Score:      sr.Scores[i],
				Metadata: vector.Metadata{
					SourceID:     sourceID,
					NaturalKey:   naturalKey,
					City:         city,
					PropertyType: propertyType,
					Price:        price,
					Bedrooms:     int(beds),
					Text:         text,
					UpdatedAt:    time.UnixMicro(updatedAt).UTC(),
				},
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filters", expr),
	)

	return results, nil
}

func buildExpr(filters vector.Filters) string {
	var clauses []string

	if filters.City != "" {
		clauses = append(clauses, fmt.Sprintf(`city == "%s"`, escape(filters.City)))
	}
	if filters.MaxPrice > 0 {
		clauses = append(clauses, fmt.Sprintf("price <= %f", filters.MaxPrice))
	}
	if filters.MinBedrooms > 0 {
		clauses = append(clauses, fmt.Sprintf("bedrooms >= %d", filters.MinBedrooms))
	}
	if filters.PropertyType != "" {
		clauses = append(clauses, fmt.Sprintf(`property_type == "%s"`, escape(filters.PropertyType)))
	}

	return strings.Join(clauses, " && ")
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
