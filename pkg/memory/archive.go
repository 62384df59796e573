package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/embeddings"
	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/vector"
)

// maxFragmentRunes caps fragment length. Shorter fragments retrieve more
// precisely; the cap matches the excerpt length surfaced to prompts.
const maxFragmentRunes = 600

// Archive commits chapters to the retrieval indexes.
type Archive struct {
	store    storage.Driver
	vec      vector.Driver
	lex      lexical.Driver
	embedder embeddings.Embedder
	log      *zap.Logger
}

// NewArchive creates an archive. lex may be nil; fragments are then only
// vector-indexed.
func NewArchive(store storage.Driver, vec vector.Driver, lex lexical.Driver,
	embedder embeddings.Embedder, log *zap.Logger) *Archive {
	return &Archive{store: store, vec: vec, lex: lex, embedder: embedder, log: log}
}

// CommitChapter makes a chapter's source text and narration retrievable.
// Prior fragments for the chapter are superseded first, so re-narrating a
// chapter leaves exactly one live version in every index.
func (a *Archive) CommitChapter(ctx context.Context, bookID string, chapterIdx int, sourceText, narration string) error {
	for _, sourceType := range []string{storage.FragmentSource, storage.FragmentNarration} {
		if err := a.supersede(ctx, bookID, chapterIdx, sourceType); err != nil {
			return err
		}
	}

	var frags []*storage.MemoryFragment
	for _, text := range splitFragments(sourceText) {
		frags = append(frags, &storage.MemoryFragment{
			ID:         uuid.NewString(),
			BookID:     bookID,
			ChapterIdx: chapterIdx,
			SourceType: storage.FragmentSource,
			Text:       text,
		})
	}
	for _, text := range splitFragments(narration) {
		frags = append(frags, &storage.MemoryFragment{
			ID:         uuid.NewString(),
			BookID:     bookID,
			ChapterIdx: chapterIdx,
			SourceType: storage.FragmentNarration,
			Text:       text,
		})
	}
	if len(frags) == 0 {
		return nil
	}

	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.Text
	}
	embs, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding fragments: %w", err)
	}

	if err := a.store.PutFragments(ctx, frags); err != nil {
		return fmt.Errorf("storing fragments: %w", err)
	}

	if err := a.indexFragments(ctx, frags, embs); err != nil {
		return err
	}

	a.log.Debug("chapter committed to memory",
		zap.String("book_id", bookID),
		zap.Int("chapter", chapterIdx),
		zap.Int("fragments", len(frags)))

	return nil
}

// RebuildIndexes re-derives the retrieval indexes from the live fragments
// of record and returns how many were indexed. The relational rows stay
// untouched; every live fragment is re-embedded and re-upserted, so a wiped
// or freshly pointed index target catches up with what was committed.
func (a *Archive) RebuildIndexes(ctx context.Context, bookID string) (int, error) {
	frags, err := a.store.ListLiveFragments(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("listing live fragments: %w", err)
	}
	if len(frags) == 0 {
		return 0, nil
	}

	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.Text
	}
	embs, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding fragments: %w", err)
	}

	if err := a.indexFragments(ctx, frags, embs); err != nil {
		return 0, err
	}

	a.log.Info("retrieval indexes rebuilt",
		zap.String("book_id", bookID),
		zap.Int("fragments", len(frags)))

	return len(frags), nil
}

func (a *Archive) indexFragments(ctx context.Context, frags []*storage.MemoryFragment, embs [][]float32) error {
	vecDocs := make([]vector.Document, len(frags))
	lexDocs := make([]lexical.Document, len(frags))
	for i, f := range frags {
		vecDocs[i] = vector.Document{
			ID:         f.ID,
			BookID:     f.BookID,
			ChapterIdx: f.ChapterIdx,
			SourceType: f.SourceType,
			Embedding:  embs[i],
		}
		lexDocs[i] = lexical.Document{
			ID:         f.ID,
			BookID:     f.BookID,
			ChapterIdx: f.ChapterIdx,
			SourceType: f.SourceType,
			Content:    f.Text,
		}
	}

	if err := a.vec.Add(ctx, vecDocs); err != nil {
		return fmt.Errorf("indexing fragments: %w", err)
	}
	if a.lex != nil {
		if err := a.lex.Add(ctx, lexDocs); err != nil {
			a.log.Warn("lexical indexing failed",
				zap.Int("fragments", len(lexDocs)),
				zap.Error(err))
		}
	}

	return nil
}

func (a *Archive) supersede(ctx context.Context, bookID string, chapterIdx int, sourceType string) error {
	ids, err := a.store.MarkFragmentsSuperseded(ctx, bookID, chapterIdx, sourceType)
	if err != nil {
		return fmt.Errorf("superseding fragments: %w", err)
	}

	if len(ids) == 0 {
		return nil
	}
	if err := a.vec.MarkSuperseded(ctx, ids); err != nil {
		return fmt.Errorf("superseding vector entries: %w", err)
	}
	if a.lex != nil {
		if err := a.lex.MarkSuperseded(ctx, ids); err != nil {
			a.log.Warn("superseding lexical entries failed",
				zap.Int("count", len(ids)),
				zap.Error(err))
		}
	}

	return nil
}

// splitFragments cuts text into retrieval units on paragraph boundaries,
// packing adjacent paragraphs up to the rune cap. Oversized paragraphs are
// split hard.
func splitFragments(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		runes := []rune(p)
		for len(runes) > maxFragmentRunes {
			paragraphs = append(paragraphs, string(runes[:maxFragmentRunes]))
			runes = runes[maxFragmentRunes:]
		}
		paragraphs = append(paragraphs, string(runes))
	}

	var out []string
	var buf []rune
	flush := func() {
		if len(buf) > 0 {
			out = append(out, strings.TrimSpace(string(buf)))
			buf = nil
		}
	}
	for _, p := range paragraphs {
		pr := []rune(p)
		if len(buf) > 0 && len(buf)+len(pr)+1 > maxFragmentRunes {
			flush()
		}
		if len(buf) > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, pr...)
	}
	flush()

	return out
}
