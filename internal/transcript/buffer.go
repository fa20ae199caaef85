// Package transcript assembles streamed transcript fragments into coherent
// utterances attributed to either side of the call.
//
// Assistant text arrives as deltas that extend the current assistant
// utterance until a new response cycle begins. User text arrives as completed
// fragments; the remote agent sometimes splits a single spoken turn into
// several completions, so fragments that follow a user utterance within a
// short recency window are merged back into it.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// DefaultMergeWindow is the recency window within which consecutive user
// completions are treated as one spoken turn. Tunable via [WithMergeWindow];
// the value matches observed agent behaviour rather than anything principled.
const DefaultMergeWindow = 1500 * time.Millisecond

// Role identifies the speaker of an utterance.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance is one coherent spoken or transcribed turn.
type Utterance struct {
	// Role attributes the utterance to a speaker.
	Role Role

	// Text is the assembled utterance text.
	Text string

	// StartedAt records when the first fragment of the utterance arrived.
	StartedAt time.Time
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithMergeWindow overrides the user-completion merge window.
func WithMergeWindow(d time.Duration) Option {
	return func(b *Buffer) { b.mergeWindow = d }
}

// WithClock overrides the time source. Used in tests to make merge decisions
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer is an ordered, append/merge log of utterances. It performs no I/O.
// All methods are safe for concurrent use.
type Buffer struct {
	mu          sync.Mutex
	utterances  []Utterance
	mergeWindow time.Duration
	now         func() time.Time

	// assistantOpen is true while the latest assistant utterance may still be
	// extended by deltas. A new response cycle closes it.
	assistantOpen bool

	// lastUserAt is when the most recent user completion arrived.
	lastUserAt time.Time
}

// New creates an empty buffer with the default merge window.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		mergeWindow: DefaultMergeWindow,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// BeginAssistantTurn marks the start of a new response cycle. The next
// assistant delta starts a fresh utterance instead of extending the previous
// one.
func (b *Buffer) BeginAssistantTurn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assistantOpen = false
}

// AppendAssistantDelta extends the current assistant utterance with delta, or
// starts a new one when no assistant utterance is open.
func (b *Buffer) AppendAssistantDelta(delta string) {
	if delta == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.assistantOpen {
		if last := b.last(); last != nil && last.Role == RoleAssistant {
			last.Text += delta
			return
		}
	}

	b.utterances = append(b.utterances, Utterance{
		Role:      RoleAssistant,
		Text:      delta,
		StartedAt: b.now(),
	})
	b.assistantOpen = true
}

// AppendUserCompletion records a completed user transcript fragment. The
// fragment merges into the previous utterance when that utterance is also
// from the user and arrived within the merge window; otherwise it starts a
// new utterance.
func (b *Buffer) AppendUserCompletion(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last := b.last(); last != nil && last.Role == RoleUser && now.Sub(b.lastUserAt) <= b.mergeWindow {
		last.Text += " " + text
		b.lastUserAt = now
		return
	}

	b.utterances = append(b.utterances, Utterance{
		Role:      RoleUser,
		Text:      text,
		StartedAt: now,
	})
	b.lastUserAt = now

	// A user turn interleaved after assistant speech ends that assistant
	// utterance; later deltas belong to the next response.
	b.assistantOpen = false
}

// Utterances returns a snapshot of all utterances in arrival order.
func (b *Buffer) Utterances() []Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Utterance, len(b.utterances))
	copy(out, b.utterances)
	return out
}

// Last returns the most recent utterance, if any.
func (b *Buffer) Last() (Utterance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u := b.last(); u != nil {
		return *u, true
	}
	return Utterance{}, false
}

// String renders the transcript one utterance per line, e.g.
// "user: hello\nassistant: hi there".
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for i, u := range b.utterances {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(string(u.Role))
		sb.WriteString(": ")
		sb.WriteString(u.Text)
	}
	return sb.String()
}

// Reset discards all utterances and merge state.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.utterances = nil
	b.assistantOpen = false
	b.lastUserAt = time.Time{}
}

// last returns a pointer to the most recent utterance, or nil when empty.
// Must be called with b.mu held.
func (b *Buffer) last() *Utterance {
	if len(b.utterances) == 0 {
		return nil
	}
	return &b.utterances[len(b.utterances)-1]
}
