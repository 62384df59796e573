// Package qdrant provides a Qdrant-backed vector driver for server
// deployments where the index outlives the local database file.
package qdrant

import (
	"context"
	"fmt"
	"net"
	"strconv"

	qdr "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/vector"
)

// QdrantDriver implements vector.Driver against a Qdrant collection.
type QdrantDriver struct {
	client     *qdr.Client
	collection string
	logger     *zap.Logger
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	// Target is the host:port of the Qdrant gRPC endpoint.
	Target string

	// Collection is the collection name. Created on connect if missing.
	Collection string

	// Dimensions is the embedding vector size.
	Dimensions uint
}

// NewQdrantDriver connects to Qdrant and ensures the collection exists.
func NewQdrantDriver(ctx context.Context, c Config, logger *zap.Logger) (*QdrantDriver, error) {
	if c.Target == "" {
		return nil, fmt.Errorf("qdrant target is required")
	}
	if c.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if c.Dimensions == 0 {
		return nil, fmt.Errorf("qdrant embedding dimensions cannot be 0, must be configured")
	}

	host, portStr, err := net.SplitHostPort(c.Target)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant target %q: %w", c.Target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant port %q: %w", portStr, err)
	}

	client, err := qdr.NewClient(&qdr.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	exists, err := client.CollectionExists(ctx, c.Collection)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("checking collection: %w", err)
	}

	if !exists {
		err = client.CreateCollection(ctx, &qdr.CreateCollection{
			CollectionName: c.Collection,
			VectorsConfig: qdr.NewVectorsConfig(&qdr.VectorParams{
				Size:     uint64(c.Dimensions),
				Distance: qdr.Distance_Cosine,
			}),
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating collection: %w", err)
		}
	}

	logger.Info("qdrant vector driver initialized",
		zap.String("target", c.Target),
		zap.String("collection", c.Collection),
		zap.Uint("dimensions", c.Dimensions),
	)

	return &QdrantDriver{
		client:     client,
		collection: c.Collection,
		logger:     logger,
	}, nil
}

// Add stores documents with their embeddings, updating existing IDs.
func (d *QdrantDriver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdr.PointStruct, 0, len(docs))
	for _, doc := range docs {
		points = append(points, &qdr.PointStruct{
			Id:      qdr.NewIDUUID(doc.ID),
			Vectors: qdr.NewVectors(doc.Embedding...),
			Payload: qdr.NewValueMap(map[string]any{
				"book_id":     doc.BookID,
				"chapter_idx": int64(doc.ChapterIdx),
				"source_type": doc.SourceType,
				"superseded":  doc.Superseded,
			}),
		})
	}

	_, err := d.client.Upsert(ctx, &qdr.UpsertPoints{
		CollectionName: d.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}

	d.logger.Debug("added documents to qdrant", zap.Int("count", len(docs)))

	return nil
}

// Query finds the topK most similar live documents under the query's
// constraints.
func (d *QdrantDriver) Query(ctx context.Context, q vector.Query) ([]vector.QueryResult, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}

	must := []*qdr.Condition{
		qdr.NewMatch("book_id", q.BookID),
		qdr.NewMatchBool("superseded", false),
	}
	if q.BeforeChapter > 0 {
		must = append(must, qdr.NewRange("chapter_idx", &qdr.Range{
			Lt: qdr.PtrOf(float64(q.BeforeChapter)),
		}))
	}

	points, err := d.client.Query(ctx, &qdr.QueryPoints{
		CollectionName: d.collection,
		Query:          qdr.NewQuery(q.Embedding...),
		Filter:         &qdr.Filter{Must: must},
		Limit:          qdr.PtrOf(uint64(topK)),
		WithPayload:    qdr.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}

	results := make([]vector.QueryResult, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		results = append(results, vector.QueryResult{
			Document: vector.Document{
				ID:         p.GetId().GetUuid(),
				BookID:     payload["book_id"].GetStringValue(),
				ChapterIdx: int(payload["chapter_idx"].GetIntegerValue()),
				SourceType: payload["source_type"].GetStringValue(),
			},
			Score: p.GetScore(),
		})
	}

	d.logger.Debug("queried qdrant", zap.Int("results", len(results)))

	return results, nil
}

// MarkSuperseded flags documents so Query stops returning them.
func (d *QdrantDriver) MarkSuperseded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdr.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdr.NewIDUUID(id))
	}

	_, err := d.client.SetPayload(ctx, &qdr.SetPayloadPoints{
		CollectionName: d.collection,
		Payload:        qdr.NewValueMap(map[string]any{"superseded": true}),
		PointsSelector: qdr.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("marking points superseded: %w", err)
	}

	return nil
}

// Delete removes documents by their IDs.
func (d *QdrantDriver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdr.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdr.NewIDUUID(id))
	}

	_, err := d.client.Delete(ctx, &qdr.DeletePoints{
		CollectionName: d.collection,
		Points:         qdr.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}

	return nil
}

// Close releases the gRPC connection.
func (d *QdrantDriver) Close() error {
	return d.client.Close()
}
