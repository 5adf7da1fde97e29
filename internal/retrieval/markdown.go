package retrieval

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// RenderMarkdown formats a Result as the canonical tool-result Markdown: a
// semantic bullet list followed by one episodic section per memory, with
// detail inclusion gated by detail and rank.
func RenderMarkdown(result Result, detail types.DetailLevel) string {
	var b strings.Builder

	if len(result.Semantic) > 0 {
		b.WriteString("## Semantic Memory\n")
		for _, sc := range result.Semantic {
			fmt.Fprintf(&b, "- [%s] %s (sources: %d conversations)\n", sc.Memory.Category, sc.Memory.Fact, len(sc.Memory.SourceEpisodicIDs))
		}
		b.WriteString("\n")
	}

	if len(result.Episodic) > 0 {
		b.WriteString("## Episodic Memories\n\n")
		for rank, sc := range result.Episodic {
			e := sc.Memory
			header := fmt.Sprintf("### %s [rank: %d, score: %.4f%s]", e.Title, rank+1, sc.Score, keyMomentSuffix(e.Surprise))
			b.WriteString(header)
			b.WriteString("\n")
			fmt.Fprintf(&b, "**When:** %s\n", humanize.Time(e.StartAt))
			fmt.Fprintf(&b, "**Summary:** %s\n", e.Summary)

			if detail.IncludeDetails(rank+1, e.Surprise) {
				b.WriteString("\n**Details:**\n")
				for _, m := range e.Messages {
					fmt.Fprintf(&b, "- %s: %q\n", m.Role, m.Content)
				}
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func keyMomentSuffix(surprise float32) string {
	if types.IsKeyMoment(surprise) {
		return ", key moment"
	}
	return ""
}

// RenderRecentMarkdown formats plain (unscored) recent episodes using the
// same per-episode section shape, without rank or score.
func RenderRecentMarkdown(episodes []types.EpisodicMemory) string {
	var b strings.Builder
	b.WriteString("## Episodic Memories\n\n")
	for _, e := range episodes {
		fmt.Fprintf(&b, "### %s%s\n", e.Title, keyMomentHeaderSuffix(e.Surprise))
		fmt.Fprintf(&b, "**When:** %s\n", humanize.Time(e.StartAt))
		fmt.Fprintf(&b, "**Summary:** %s\n\n", e.Summary)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func keyMomentHeaderSuffix(surprise float32) string {
	if types.IsKeyMoment(surprise) {
		return " [key moment]"
	}
	return ""
}
