package memory

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkfold/retell/pkg/embeddings"
	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/vector"
)

// Candidates are pulled from each index at a multiple of TopK so fusion has
// enough overlap to reorder.
const overfetchFactor = 3

// RetrieverConfig tunes the fusion ranking.
type RetrieverConfig struct {
	// Alpha weights the vector score against the lexical score.
	Alpha float64

	// Beta weights the chapter-proximity prior.
	Beta float64

	// TopK is the number of fragments returned per query.
	TopK int

	// SearchConcurrency bounds parallel searches in RetrieveBatch.
	SearchConcurrency int
}

// Retriever answers memory queries over the committed fragment indexes.
type Retriever struct {
	store    storage.Driver
	vec      vector.Driver
	lex      lexical.Driver
	embedder embeddings.Embedder
	cfg      RetrieverConfig
	log      *zap.Logger
}

// NewRetriever creates a retriever. lex may be nil; search is then pure
// vector.
func NewRetriever(store storage.Driver, vec vector.Driver, lex lexical.Driver,
	embedder embeddings.Embedder, cfg RetrieverConfig, log *zap.Logger) *Retriever {
	if cfg.SearchConcurrency <= 0 {
		cfg.SearchConcurrency = 1
	}
	return &Retriever{store: store, vec: vec, lex: lex, embedder: embedder, cfg: cfg, log: log}
}

// topKFor resolves a query's effective fan-out against the configured one.
func (r *Retriever) topKFor(q Query) int {
	if q.TopK > 0 {
		return q.TopK
	}
	if q.TopK < 0 {
		return 0
	}
	return r.cfg.TopK
}

// Retrieve returns the fused top-K fragments for one query. An embedding
// failure yields empty recall, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Recall, error) {
	k := r.topKFor(q)
	if k <= 0 {
		return nil, nil
	}

	emb, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		r.log.Warn("query embedding failed, returning empty recall",
			zap.String("book_id", q.BookID),
			zap.Int("chapter", q.Chapter),
			zap.Error(err))
		return nil, nil
	}

	return r.retrieveEmbedded(ctx, q, emb, k)
}

// RetrieveBatch answers all queries with one embedding call and bounded
// concurrent searches, preserving query order. Any query whose embedding is
// unavailable gets empty recall.
func (r *Retriever) RetrieveBatch(ctx context.Context, queries []Query) ([][]Recall, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	results := make([][]Recall, len(queries))

	// Queries whose effective fan-out is zero skip embedding and search
	// entirely and keep an empty recall slot.
	var active []int
	for i, q := range queries {
		if r.topKFor(q) > 0 {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return results, nil
	}

	texts := make([]string, len(active))
	for j, i := range active {
		texts[j] = queries[i].Text
	}

	embs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.log.Warn("batch embedding failed, returning empty recalls",
			zap.Int("queries", len(queries)),
			zap.Error(err))
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SearchConcurrency)
	for j, i := range active {
		g.Go(func() error {
			recalls, err := r.retrieveEmbedded(gctx, queries[i], embs[j], r.topKFor(queries[i]))
			if err != nil {
				return err
			}
			results[i] = recalls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (r *Retriever) retrieveEmbedded(ctx context.Context, q Query, emb []float32, topK int) ([]Recall, error) {
	fetch := topK * overfetchFactor

	vecResults, err := r.vec.Query(ctx, vector.Query{
		BookID:        q.BookID,
		Embedding:     emb,
		BeforeChapter: q.Chapter,
		TopK:          fetch,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var lexResults []lexical.QueryResult
	if r.lex != nil {
		lexResults, err = r.lex.Query(ctx, lexical.Query{
			BookID:        q.BookID,
			Text:          q.Text,
			BeforeChapter: q.Chapter,
			TopK:          fetch,
		})
		if err != nil {
			r.log.Warn("lexical search failed, using vector ranking only", zap.Error(err))
			lexResults = nil
		}
	}

	ranked := fuse(vecResults, lexResults, q.Chapter, r.cfg)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	ids := make([]string, len(ranked))
	scores := make(map[string]float64, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
		scores[c.id] = c.score
	}

	frags, err := r.store.GetFragmentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}

	recalls := make([]Recall, 0, len(frags))
	for _, f := range frags {
		if f.Superseded {
			continue
		}
		recalls = append(recalls, Recall{Fragment: f, Score: scores[f.ID]})
	}
	sort.SliceStable(recalls, func(i, j int) bool {
		return recalls[i].Score > recalls[j].Score
	})

	return recalls, nil
}
