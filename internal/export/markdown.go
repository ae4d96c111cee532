package export

import (
	"fmt"
	"strings"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
)

// Markdown renders a transcript as title, summary, notes and then the turns,
// skipping empty sections.
func Markdown(snap transcript.Snapshot) string {
	var parts []string

	if snap.Title != "" {
		parts = append(parts, "# "+snap.Title)
	}
	if snap.Summary != "" {
		parts = append(parts, "## Summary\n"+snap.Summary)
	}
	if snap.Notes != "" {
		parts = append(parts, "## Notes\n"+snap.Notes)
	}

	if len(snap.Turns) > 0 {
		parts = append(parts, "## Transcript")
		turns := make([]string, 0, len(snap.Turns))
		for _, turn := range snap.Turns {
			turns = append(turns, markdownTurn(turn))
		}
		parts = append(parts, strings.Join(turns, "\n\n"))
	}

	return strings.Join(parts, "\n\n")
}

func markdownTurn(turn transcript.Turn) string {
	text := turn.Text
	if text == "" {
		text = turn.Interim
	}
	return fmt.Sprintf("**%s** (%s)\n%s", turn.Speaker, turn.Timestamp.Format("15:04:05"), text)
}
