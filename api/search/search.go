// Package search provides the shared query logic for hybrid memory search
// over a processed book, used by the REST search endpoint.
package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage"
)

// Result is a single retrieved fragment.
type Result struct {
	FragmentID string  `json:"fragment_id"`
	ChapterIdx int     `json:"chapter_idx"`
	SourceType string  `json:"source_type"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// Output is the response of one search request.
type Output struct {
	BookID  string   `json:"book_id"`
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Count   int      `json:"count"`
}

// Search runs a hybrid memory search over every live fragment of a book.
// topK caps the returned results below the retriever's own limit.
func Search(
	ctx context.Context,
	query string,
	topK int,
	bookID string,
	retriever *memory.Retriever,
	storer storage.Driver,
	logger *zap.Logger,
) (*Output, error) {
	logger.Debug("search request",
		zap.String("book", bookID),
		zap.String("query", query),
		zap.Int("topK", topK),
	)

	count, err := storer.ChapterCount(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("counting chapters: %w", err)
	}

	// Chapter bounds eligibility to strictly-earlier chapters, so one past
	// the last chapter makes the whole book searchable.
	recalls, err := retriever.Retrieve(ctx, memory.Query{
		BookID:  bookID,
		Text:    query,
		Chapter: count + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}

	if topK > 0 && len(recalls) > topK {
		recalls = recalls[:topK]
	}

	out := &Output{BookID: bookID, Query: query, Results: []Result{}}
	for _, rec := range recalls {
		out.Results = append(out.Results, Result{
			FragmentID: rec.Fragment.ID,
			ChapterIdx: rec.Fragment.ChapterIdx,
			SourceType: rec.Fragment.SourceType,
			Score:      rec.Score,
			Text:       rec.Fragment.Text,
		})
	}
	out.Count = len(out.Results)

	return out, nil
}
