package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source identifies which producer created a turn.
type Source string

const (
	SourceTranscribed Source = "transcribed"
	SourceTyped       Source = "typed"
	SourceGenerated   Source = "generated"
)

// DefaultSpeaker returns the placeholder label used when a producer does not
// attribute its content to a speaker.
func DefaultSpeaker(source Source) string {
	switch source {
	case SourceTranscribed:
		return "Transcription"
	case SourceTyped:
		return "Notes"
	case SourceGenerated:
		return "Assistant"
	default:
		return string(source)
	}
}

// Turn is one contiguous utterance attributed to a speaker.
type Turn struct {
	ID        uuid.UUID
	Speaker   string
	Text      string // committed, append-only
	Interim   string // provisional, replaced on every update
	Timestamp time.Time
	Source    Source
}

// Content returns committed and provisional text together.
func (t Turn) Content() string {
	return t.Text + t.Interim
}

// EventKind describes a mutation of the turn list.
type EventKind string

const (
	EventTurnCreated   EventKind = "turn_created"
	EventTurnUpdated   EventKind = "turn_updated"
	EventTurnFinalized EventKind = "turn_finalized"
	EventTurnRemoved   EventKind = "turn_removed"
)

// Event is delivered to OnChange listeners after a mutation.
type Event struct {
	Kind EventKind
	Turn Turn
}

// Snapshot is a detached copy of a transcript used by renderers and exporters.
type Snapshot struct {
	Title   string
	Summary string
	Notes   string
	Turns   []Turn
}

// Transcript owns the ordered turn list and the per-source active turns.
//
// Every source has at most one active turn. An active turn is visible in the
// turn list from the moment it is created; the active map points at the same
// Turn as the list so incremental updates never copy.
type Transcript struct {
	mu        sync.Mutex
	title     string
	summary   string
	notes     string
	turns     []*Turn
	active    map[Source]*Turn
	listeners []func(Event)
	now       func() time.Time
}

// New creates an empty transcript.
func New(title, summary, notes string) *Transcript {
	return &Transcript{
		title:   title,
		summary: summary,
		notes:   notes,
		active:  make(map[Source]*Turn),
		now:     time.Now,
	}
}

// OnChange registers a listener called after every mutation. Listeners run
// outside the transcript lock, in mutation order.
func (t *Transcript) OnChange(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Transcript) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

func (t *Transcript) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.title = title
}

func (t *Transcript) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

func (t *Transcript) SetSummary(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary = summary
}

func (t *Transcript) Notes() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notes
}

func (t *Transcript) SetNotes(notes string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = notes
}

// Turns returns a copy of the visible turn list in insertion order.
func (t *Transcript) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyTurnsLocked()
}

// Len returns the number of visible turns.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// ActiveTurn returns the open turn for source, if any.
func (t *Transcript) ActiveTurn(source Source) (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turn, ok := t.active[source]
	if !ok {
		return Turn{}, false
	}
	return *turn, true
}

// Snapshot returns a detached copy of the whole transcript.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Title:   t.title,
		Summary: t.summary,
		Notes:   t.notes,
		Turns:   t.copyTurnsLocked(),
	}
}

// UpdateInterim replaces the provisional text of the active turn for source.
// An empty speaker keeps the current attribution.
func (t *Transcript) UpdateInterim(text string, source Source, speaker string) {
	t.mu.Lock()
	turn, events := t.resolveActiveLocked(source, speaker)
	turn.Interim = text
	events = append(events, Event{Kind: EventTurnUpdated, Turn: *turn})
	t.mu.Unlock()

	t.emit(events)
}

// AppendInterim adds delta to the provisional text of the active turn for
// source, for producers that stream interim text incrementally.
func (t *Transcript) AppendInterim(delta string, source Source) {
	t.mu.Lock()
	turn, events := t.resolveActiveLocked(source, "")
	turn.Interim += delta
	events = append(events, Event{Kind: EventTurnUpdated, Turn: *turn})
	t.mu.Unlock()

	t.emit(events)
}

// AppendStable commits text to the active turn for source and clears its
// provisional text.
func (t *Transcript) AppendStable(text string, source Source, speaker string) {
	t.mu.Lock()
	turn, events := t.resolveActiveLocked(source, speaker)
	turn.Text += text
	turn.Interim = ""
	events = append(events, Event{Kind: EventTurnUpdated, Turn: *turn})
	t.mu.Unlock()

	t.emit(events)
}

// FinalizeTurn closes the active turn for source. Leftover interim text is
// folded into the committed text; a turn left without content is removed from
// the list. Calling it with no active turn is a no-op.
func (t *Transcript) FinalizeTurn(source Source) {
	t.mu.Lock()
	events := t.finalizeLocked(source)
	t.mu.Unlock()

	t.emit(events)
}

// AddTurn appends a turn directly, bypassing the interim/stable protocol.
func (t *Transcript) AddTurn(turn Turn) {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}

	t.mu.Lock()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = t.now()
	}
	if turn.Source == "" {
		turn.Source = SourceTyped
	}
	added := turn
	t.turns = append(t.turns, &added)
	t.mu.Unlock()

	t.emit([]Event{{Kind: EventTurnCreated, Turn: turn}})
}

func (t *Transcript) resolveActiveLocked(source Source, speaker string) (*Turn, []Event) {
	var events []Event

	turn := t.active[source]
	if turn != nil && speaker != "" && speaker != turn.Speaker {
		if turn.Text != "" {
			events = append(events, t.finalizeLocked(source)...)
			turn = nil
		} else {
			// nothing committed yet, relabel instead of leaving an empty turn behind
			turn.Speaker = speaker
		}
	}

	if turn == nil {
		if speaker == "" {
			speaker = DefaultSpeaker(source)
		}
		turn = &Turn{
			ID:        uuid.New(),
			Speaker:   speaker,
			Timestamp: t.now(),
			Source:    source,
		}
		t.turns = append(t.turns, turn)
		t.active[source] = turn
		events = append(events, Event{Kind: EventTurnCreated, Turn: *turn})
	}

	return turn, events
}

func (t *Transcript) finalizeLocked(source Source) []Event {
	turn, ok := t.active[source]
	if !ok {
		return nil
	}
	delete(t.active, source)

	if turn.Interim != "" {
		turn.Text += turn.Interim
		turn.Interim = ""
	}

	if strings.TrimSpace(turn.Text) == "" {
		for i, candidate := range t.turns {
			if candidate == turn {
				t.turns = append(t.turns[:i], t.turns[i+1:]...)
				break
			}
		}
		return []Event{{Kind: EventTurnRemoved, Turn: *turn}}
	}

	return []Event{{Kind: EventTurnFinalized, Turn: *turn}}
}

func (t *Transcript) copyTurnsLocked() []Turn {
	turns := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		turns[i] = *turn
	}
	return turns
}

func (t *Transcript) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	t.mu.Lock()
	listeners := make([]func(Event), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, event := range events {
		for _, fn := range listeners {
			fn(event)
		}
	}
}
