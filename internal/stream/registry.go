// Package stream holds the in-memory state of active LLM generations and
// fans their events out to any number of subscribers.
//
// Each session has at most one entry at a time. The producer (the tool loop)
// writes chunks through PushEvent; transport connections subscribe and
// receive events in push order. Finished entries linger for a grace period so
// reconnecting clients can resume from a snapshot, then are evicted.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/pkg/models"
)

// DefaultRemovalDelay is how long a finished entry stays available for
// reconnecting clients before eviction.
const DefaultRemovalDelay = 30 * time.Second

// Subscriber receives events for one session. Implementations must not block
// for unbounded time; transports enqueue to a buffered send queue.
type Subscriber func(models.Event)

type subscription struct {
	id int
	fn Subscriber
}

// Entry is the in-memory state of the current round for one session.
type Entry struct {
	reg       *Registry
	sessionID string

	// Guarded by reg.mu.
	assistantID  string
	model        string
	content      string
	toolCalls    []models.ToolCall
	hasToolCalls bool
	done         bool
	aborted      bool
	err          *models.StreamError
	usage        *models.TokenUsage
	requestBody  json.RawMessage
	generation   uint64
	subs         []subscription
	nextSubID    int

	abortCtx    context.Context
	abortCancel context.CancelFunc
}

// SessionID returns the owning session id.
func (e *Entry) SessionID() string { return e.sessionID }

// AssistantID returns the id of the assistant message being produced.
func (e *Entry) AssistantID() string {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.assistantID
}

// Content returns the accumulated assistant text.
func (e *Entry) Content() string {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.content
}

// ToolCalls returns a copy of the tool calls emitted so far.
func (e *Entry) ToolCalls() []models.ToolCall {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return append([]models.ToolCall(nil), e.toolCalls...)
}

// Usage returns the last usage report, or nil.
func (e *Entry) Usage() *models.TokenUsage {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	if e.usage == nil {
		return nil
	}
	u := *e.usage
	return &u
}

// Done reports whether the entry reached a terminal state.
func (e *Entry) Done() bool {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.done
}

// Aborted reports whether the user cancelled this round.
func (e *Entry) Aborted() bool {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.aborted
}

// Generation returns the entry's round counter; it is bumped on Create and
// Continue and guards scheduled eviction against a racing new round.
func (e *Entry) Generation() uint64 {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.generation
}

// AbortContext is cancelled when the user aborts the round. It is passed to
// the provider stream and to cooperating tools.
func (e *Entry) AbortContext() context.Context { return e.abortCtx }

// SetRequestBody stores the provider request snapshot for diagnostics.
func (e *Entry) SetRequestBody(body json.RawMessage) {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	e.requestBody = body
}

// RequestBody returns the stored provider request snapshot.
func (e *Entry) RequestBody() json.RawMessage {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	return e.requestBody
}

// Registry is the process-wide table of stream entries keyed by session id.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*Entry
	gen          uint64
	removalDelay time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. A removalDelay of zero falls back to
// DefaultRemovalDelay. Logger and metrics may be nil.
func NewRegistry(removalDelay time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if removalDelay <= 0 {
		removalDelay = DefaultRemovalDelay
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Registry{
		entries:      make(map[string]*Entry),
		removalDelay: removalDelay,
		logger:       logger,
		metrics:      metrics,
	}
}

// Create makes a fresh entry for the session, replacing any prior entry. A
// prior entry that is not done means the caller broke the single-producer
// rule; the registry logs and overwrites, carrying nothing over.
func (r *Registry) Create(sessionID, assistantID, model string) *Entry {
	abortCtx, abortCancel := context.WithCancel(context.Background())

	r.mu.Lock()
	// A finished prior already left the gauge when its done event landed;
	// only a live prior still counts and must be released here.
	if prior, ok := r.entries[sessionID]; ok && !prior.done {
		r.logger.Warn(context.Background(), "overwriting live stream entry",
			"session_id", sessionID, "prior_assistant_id", prior.assistantID)
		prior.abortCancel()
		r.gaugeDec()
	}

	r.gen++
	entry := &Entry{
		reg:         r,
		sessionID:   sessionID,
		assistantID: assistantID,
		model:       model,
		generation:  r.gen,
		abortCtx:    abortCtx,
		abortCancel: abortCancel,
	}
	r.entries[sessionID] = entry
	r.mu.Unlock()

	r.gaugeInc()
	return entry
}

// Continue reuses the session's entry for the next round of a tool loop:
// content and tool calls reset, the assistant id is replaced, and the
// subscriber set and abort signal carry over. Returns nil when no entry
// exists.
func (r *Registry) Continue(sessionID, newAssistantID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sessionID]
	if !ok {
		return nil
	}
	if entry.done {
		r.gaugeInc()
	}

	r.gen++
	entry.assistantID = newAssistantID
	entry.content = ""
	entry.toolCalls = nil
	entry.hasToolCalls = false
	entry.done = false
	entry.err = nil
	entry.generation = r.gen
	return entry
}

// Get returns the session's entry, or nil.
func (r *Registry) Get(sessionID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[sessionID]
}

// PushEvent mutates the entry according to the event, then fans it out to
// every subscriber in insertion order. No-op when the session has no entry.
//
// While the entry is aborted, token and tool_call events are dropped; other
// event types still apply and fan out.
func (r *Registry) PushEvent(sessionID string, event models.Event) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasDone := entry.done
	switch event.Type {
	case models.EventToken:
		if entry.aborted {
			r.mu.Unlock()
			return
		}
		entry.content += event.Token
	case models.EventToolCall:
		if entry.aborted {
			r.mu.Unlock()
			return
		}
		entry.toolCalls = append(entry.toolCalls, *event.ToolCall)
		entry.hasToolCalls = true
	case models.EventUsage:
		u := *event.Usage
		entry.usage = &u
	case models.EventDone:
		entry.done = true
		entry.hasToolCalls = event.Done.HasToolCalls
	case models.EventError:
		entry.err = event.Error
		entry.done = true
	}
	nowDone := entry.done

	subs := make([]subscription, len(entry.subs))
	copy(subs, entry.subs)
	r.mu.Unlock()

	if !wasDone && nowDone {
		r.gaugeDec()
	}
	r.countEvent(event.Type)

	for _, sub := range subs {
		sub.fn(event)
	}
}

// Subscribe adds fn to the session's subscriber set and immediately delivers
// a snapshot of the current round state to it. If the entry is already done,
// the terminal done (or error) and the last usage follow the snapshot, so a
// reconnecting client converges without waiting for events that will never
// come. Returns an unsubscribe func, or nil when the session has no entry.
func (r *Registry) Subscribe(sessionID string, fn Subscriber) func() {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	id := entry.nextSubID
	entry.nextSubID++
	entry.subs = append(entry.subs, subscription{id: id, fn: fn})

	snapshot := models.SnapshotEvent(entry.assistantID, entry.content, entry.model,
		append([]models.ToolCall(nil), entry.toolCalls...))
	var replay []models.Event
	if entry.done {
		if entry.usage != nil {
			replay = append(replay, models.UsageEvent(*entry.usage))
		}
		if entry.err != nil {
			replay = append(replay, models.Event{Type: models.EventError, Error: entry.err})
		} else {
			replay = append(replay, models.DoneEvent(entry.hasToolCalls))
		}
	}
	r.mu.Unlock()

	fn(snapshot)
	for _, ev := range replay {
		fn(ev)
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range entry.subs {
			if sub.id == id {
				entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
				return
			}
		}
	}
}

// Abort marks the session's round as cancelled: further token and tool_call
// pushes are dropped and the abort context is cancelled. A human-readable
// interruption token is fanned out so connected clients see the cut.
func (r *Registry) Abort(sessionID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok || entry.done {
		r.mu.Unlock()
		return false
	}
	already := entry.aborted
	entry.aborted = true
	entry.abortCancel()
	subs := make([]subscription, len(entry.subs))
	copy(subs, entry.subs)
	r.mu.Unlock()

	if !already {
		notice := models.TokenEvent("\n[Interrupted by user]")
		for _, sub := range subs {
			sub.fn(notice)
		}
	}
	return true
}

// ScheduleRemoval evicts the entry after the configured delay, but only if
// it is still done and its generation matches the one observed now. A new
// round started in the meantime bumps the generation and wins the race.
func (r *Registry) ScheduleRemoval(sessionID string) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	observed := entry.generation
	delay := r.removalDelay
	r.mu.Unlock()

	time.AfterFunc(delay, func() {
		r.remove(sessionID, observed)
	})
}

// Remove deletes the session's entry immediately, regardless of state.
// Used on session deletion.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if ok {
		entry.abortCancel()
		delete(r.entries, sessionID)
	}
	wasLive := ok && !entry.done
	r.mu.Unlock()
	if wasLive {
		r.gaugeDec()
	}
}

func (r *Registry) remove(sessionID string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok || !entry.done || entry.generation != generation {
		return
	}
	entry.abortCancel()
	delete(r.entries, sessionID)
}

// ActiveSessions returns the ids of sessions with a live entry.
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) gaugeInc() {
	if r.metrics != nil {
		r.metrics.ActiveStreams.Inc()
	}
}

func (r *Registry) gaugeDec() {
	if r.metrics != nil {
		r.metrics.ActiveStreams.Dec()
	}
}

func (r *Registry) countEvent(t models.EventType) {
	if r.metrics != nil {
		r.metrics.EventsFannedOut.WithLabelValues(string(t)).Inc()
	}
}
