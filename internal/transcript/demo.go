package transcript

import "time"

// NewDemo returns a seeded meeting transcript, used when the client starts
// without a live session to show.
func NewDemo(now time.Time) *Transcript {
	t := New(
		"Weekly Sync",
		"Weekly team synchronization meeting to discuss progress and blockers.",
		"Remember to update the Jira board.",
	)

	lines := []struct {
		speaker string
		text    string
	}{
		{"Alice", "Good morning everyone, let's start with the updates."},
		{"Bob", "I have finished the user authentication module."},
		{"Alice", "That is great news, Bob. Any blockers?"},
		{"Bob", "No blockers at the moment."},
		{"Charlie", "I am working on the frontend integration."},
		{"Alice", "Excellent. Let's keep pushing."},
	}

	for i, line := range lines {
		t.AddTurn(Turn{
			Speaker:   line.speaker,
			Text:      line.text,
			Timestamp: now.Add(-time.Duration(len(lines)-1-i) * time.Minute),
			Source:    SourceTranscribed,
		})
	}

	return t
}
