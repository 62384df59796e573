package memory

import (
	"sort"

	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/vector"
)

type candidate struct {
	id         string
	chapterIdx int
	vecScore   float64
	lexScore   float64
	score      float64
}

// fuse merges the vector and lexical rankings into one ordered list:
//
//	score = alpha*norm(vec) + (1-alpha)*norm(lex) + beta*proximity
//
// with min-max normalization per sub-list and proximity = 1/(1+distance)
// where distance is the chapter gap to the query. With no lexical results
// the lexical term drops out and alpha is treated as 1.
func fuse(vecResults []vector.QueryResult, lexResults []lexical.QueryResult,
	chapter int, cfg RetrieverConfig) []candidate {

	byID := make(map[string]*candidate)
	get := func(id string, chapterIdx int) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{id: id, chapterIdx: chapterIdx}
		byID[id] = c
		return c
	}

	vecScores := make([]float64, len(vecResults))
	for i, r := range vecResults {
		vecScores[i] = float64(r.Score)
	}
	lexScores := make([]float64, len(lexResults))
	for i, r := range lexResults {
		lexScores[i] = float64(r.Score)
	}

	vecNorm := minMaxNorm(vecScores)
	lexNorm := minMaxNorm(lexScores)

	for i, r := range vecResults {
		c := get(r.ID, r.ChapterIdx)
		c.vecScore = vecNorm[i]
	}
	for i, r := range lexResults {
		c := get(r.ID, r.ChapterIdx)
		c.lexScore = lexNorm[i]
	}

	alpha := cfg.Alpha
	if len(lexResults) == 0 {
		alpha = 1
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		distance := float64(chapter - c.chapterIdx)
		if distance < 0 {
			distance = 0
		}
		proximity := 1 / (1 + distance)
		c.score = alpha*c.vecScore + (1-alpha)*c.lexScore + cfg.Beta*proximity
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})

	return out
}

// minMaxNorm rescales scores into [0, 1]. A uniform list maps to all ones
// so equal candidates keep full weight.
func minMaxNorm(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}

	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}
