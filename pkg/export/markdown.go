package export

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/inkfold/retell/pkg/storage"
)

// RenderBook renders the rewritten book as Markdown: one section per
// chapter with its latest narration. Chapters without a narration are
// marked as not yet processed. uptoChapter > 0 bounds the export to the
// book as of that chapter; <= 0 exports everything.
func (s *Service) RenderBook(ctx context.Context, bookID string, uptoChapter int) (string, error) {
	b, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return "", fmt.Errorf("loading book: %w", err)
	}

	chapters, err := s.store.ListChapters(ctx, bookID)
	if err != nil {
		return "", fmt.Errorf("listing chapters: %w", err)
	}

	narrations, err := s.store.ListNarrationsUpTo(ctx, bookID, uptoChapter)
	if err != nil {
		return "", fmt.Errorf("listing narrations: %w", err)
	}
	byIdx := make(map[int]*storage.NarrationRecord, len(narrations))
	for _, nr := range narrations {
		byIdx[nr.ChapterIdx] = nr
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", b.Title)

	for _, ch := range chapters {
		if uptoChapter > 0 && ch.Index > uptoChapter {
			break
		}
		title := strings.TrimSpace(ch.Title)
		if title == "" {
			title = fmt.Sprintf("第%d章", ch.Index)
		}
		fmt.Fprintf(&sb, "\n## %s\n\n", title)

		if nr, ok := byIdx[ch.Index]; ok {
			sb.WriteString(strings.TrimSpace(nr.Content))
			sb.WriteString("\n")
		} else {
			fmt.Fprintf(&sb, "_（第%d章尚未处理）_\n", ch.Index)
		}
	}

	return sb.String(), nil
}

// RenderWorldReport renders the world state of a book as Markdown:
// characters, items, the event timeline, and durable facts.
func (s *Service) RenderWorldReport(ctx context.Context, bookID string) (string, error) {
	snap, err := s.FinalSnapshot(ctx, bookID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s · 世界状态\n\n", snap.Book.Title)
	fmt.Fprintf(&sb, "章节 %d，已改写 %d。\n", snap.Chapters, snap.Narrated)

	sb.WriteString("\n## 人物\n\n")
	if len(snap.Characters) == 0 {
		sb.WriteString("（无）\n")
	}
	for _, cs := range snap.Characters {
		fmt.Fprintf(&sb, "### %s\n\n", cs.Name)
		if len(cs.Aliases) > 0 {
			fmt.Fprintf(&sb, "- 别名：%s\n", strings.Join(cs.Aliases, "、"))
		}
		if cs.Status != "" {
			fmt.Fprintf(&sb, "- 状态：%s\n", cs.Status)
		}
		if cs.Location != "" {
			fmt.Fprintf(&sb, "- 所在：%s\n", cs.Location)
		}
		if cs.Motivation != "" {
			fmt.Fprintf(&sb, "- 动机：%s\n", cs.Motivation)
		}
		if len(cs.Abilities) > 0 {
			fmt.Fprintf(&sb, "- 能力：%s\n", strings.Join(cs.Abilities, "、"))
		}
		others := make([]string, 0, len(cs.Relationships))
		for other := range cs.Relationships {
			others = append(others, other)
		}
		sort.Strings(others)
		for _, other := range others {
			fmt.Fprintf(&sb, "- 关系：%s（%s）\n", other, cs.Relationships[other])
		}
		fmt.Fprintf(&sb, "- 出场：第%d章至第%d章\n\n", cs.FirstSeen, cs.LastSeen)
	}

	sb.WriteString("## 物品\n\n")
	if len(snap.Items) == 0 {
		sb.WriteString("（无）\n")
	}
	for _, is := range snap.Items {
		line := is.Name
		if is.Owner != "" {
			line += "（持有：" + is.Owner + "）"
		}
		if is.Status != "" {
			line += "（" + is.Status + "）"
		}
		fmt.Fprintf(&sb, "- %s\n", line)
		if is.Description != "" {
			fmt.Fprintf(&sb, "  - %s\n", is.Description)
		}
	}

	sb.WriteString("\n## 时间线\n\n")
	if len(snap.Events) == 0 {
		sb.WriteString("（无）\n")
	}
	for _, ev := range snap.Events {
		fmt.Fprintf(&sb, "- 第%d章：%s", ev.ChapterIdx, ev.Summary)
		if len(ev.InvolvedCharacters) > 0 {
			fmt.Fprintf(&sb, "（%s）", strings.Join(ev.InvolvedCharacters, "、"))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n## 事实\n\n")
	if len(snap.Facts) == 0 {
		sb.WriteString("（无）\n")
	}
	var lastCategory string
	for _, f := range snap.Facts {
		if f.Category != lastCategory {
			fmt.Fprintf(&sb, "### %s\n\n", f.Category)
			lastCategory = f.Category
		}
		fmt.Fprintf(&sb, "- %s：%s（第%d章）\n", f.Key, f.Value, f.SourceIdx)
	}

	return sb.String(), nil
}
