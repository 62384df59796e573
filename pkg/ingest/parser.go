package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// DefaultChapterPattern matches the common heading forms: 第N章 (numeric or
// Chinese numerals, 章/回/节/卷 units), "Chapter N", and bare numbered
// headings like "12." on a line of their own.
const DefaultChapterPattern = `(?m)^[ \t]*(?:第[0-9零一二三四五六七八九十百千两]+[章回节卷][^\n]*|[Cc]hapter[ \t]+\d+[^\n]*|\d+[.、][ \t]*[^\n]*)$`

// prefaceTitle labels text found before the first recognized heading.
const prefaceTitle = "序章"

// fallbackChapterRunes is the chunk size used when no heading matches.
const fallbackChapterRunes = 20000

// RawChapter is a parsed chapter before hashing and ID assignment.
type RawChapter struct {
	Index int
	Title string
	Text  string
}

// NormalizeText canonicalizes line endings, folds fullwidth ASCII forms, and
// drops blank lines and trailing whitespace, so the book content hash is
// stable across encodings of the same text.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = width.Fold.String(text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParseChapters splits normalized text into ordered chapters on heading
// matches. Text before the first heading becomes a preface chapter. With no
// matches at all the text is cut into fixed-size chunks so very long
// unstructured input still processes chapter by chapter.
func ParseChapters(text string, pattern *regexp.Regexp) []RawChapter {
	if text == "" {
		return nil
	}
	if pattern == nil {
		pattern = regexp.MustCompile(DefaultChapterPattern)
	}

	locs := pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fallbackSplit(text)
	}

	var chapters []RawChapter
	idx := 1

	if preface := strings.TrimSpace(text[:locs[0][0]]); preface != "" {
		chapters = append(chapters, RawChapter{Index: idx, Title: prefaceTitle, Text: preface})
		idx++
	}

	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := strings.TrimSpace(text[loc[0]:end])
		title := strings.TrimSpace(text[loc[0]:loc[1]])

		content := block
		if lines := strings.SplitN(block, "\n", 2); strings.TrimSpace(lines[0]) == title {
			if len(lines) == 2 {
				content = strings.TrimSpace(lines[1])
			}
		}
		if content == "" {
			content = block
		}

		chapters = append(chapters, RawChapter{Index: idx, Title: title, Text: content})
		idx++
	}

	return chapters
}

func fallbackSplit(text string) []RawChapter {
	runes := []rune(text)

	var chapters []RawChapter
	idx := 1
	for start := 0; start < len(runes); start += fallbackChapterRunes {
		end := start + fallbackChapterRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk == "" {
			continue
		}
		chapters = append(chapters, RawChapter{
			Index: idx,
			Title: "第" + strconv.Itoa(idx) + "章",
			Text:  chunk,
		})
		idx++
	}

	return chapters
}

