package stream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/pkg/models"
)

// collector records events delivered to one subscriber.
type collector struct {
	events []models.Event
}

func (c *collector) fn(ev models.Event) {
	c.events = append(c.events, ev)
}

func (c *collector) types() []models.EventType {
	out := make([]models.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newTestRegistry(delay time.Duration) *Registry {
	return NewRegistry(delay, nil, nil)
}

func TestRegistry_PushAccumulatesAndFansOut(t *testing.T) {
	r := newTestRegistry(time.Minute)
	entry := r.Create("s1", "a1", "anthropic:claude-sonnet-4-20250514")

	var sub collector
	if unsub := r.Subscribe("s1", sub.fn); unsub == nil {
		t.Fatal("Subscribe returned nil for live entry")
	}

	r.PushEvent("s1", models.TokenEvent("Hello, "))
	r.PushEvent("s1", models.TokenEvent("world"))
	r.PushEvent("s1", models.ToolCallEvent(models.ToolCall{ID: "tc1", Name: "shell"}))
	r.PushEvent("s1", models.UsageEvent(models.TokenUsage{InputTokens: 10, OutputTokens: 2}))
	r.PushEvent("s1", models.DoneEvent(true))

	if got := entry.Content(); got != "Hello, world" {
		t.Errorf("Content = %q, want %q", got, "Hello, world")
	}
	if calls := entry.ToolCalls(); len(calls) != 1 || calls[0].ID != "tc1" {
		t.Errorf("ToolCalls = %+v", calls)
	}
	if !entry.Done() {
		t.Error("entry should be done after done event")
	}
	if u := entry.Usage(); u == nil || u.InputTokens != 10 {
		t.Errorf("Usage = %+v", u)
	}

	want := []models.EventType{
		models.EventSnapshot, models.EventToken, models.EventToken,
		models.EventToolCall, models.EventUsage, models.EventDone,
	}
	got := sub.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry_SubscribeMidStreamGetsSnapshot(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", models.TokenEvent("partial "))
	r.PushEvent("s1", models.TokenEvent("output"))

	var sub collector
	r.Subscribe("s1", sub.fn)

	if len(sub.events) != 1 || sub.events[0].Type != models.EventSnapshot {
		t.Fatalf("expected lone snapshot, got %v", sub.types())
	}
	snap := sub.events[0].Snapshot
	if snap.Content != "partial output" || snap.AssistantID != "a1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRegistry_SubscribeAfterDoneReplaysTerminal(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", models.TokenEvent("answer"))
	r.PushEvent("s1", models.UsageEvent(models.TokenUsage{InputTokens: 5}))
	r.PushEvent("s1", models.DoneEvent(false))

	var sub collector
	r.Subscribe("s1", sub.fn)

	want := []models.EventType{models.EventSnapshot, models.EventUsage, models.EventDone}
	got := sub.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry_SubscribeAfterErrorReplaysError(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", models.ErrorEvent("rate limited", "RATE_LIMIT", true))

	var sub collector
	r.Subscribe("s1", sub.fn)

	got := sub.types()
	if len(got) != 2 || got[1] != models.EventError {
		t.Fatalf("event types = %v, want snapshot then error", got)
	}
	if sub.events[1].Error.Code != "RATE_LIMIT" {
		t.Errorf("error code = %q", sub.events[1].Error.Code)
	}
}

func TestRegistry_AbortDropsTokensAndToolCalls(t *testing.T) {
	r := newTestRegistry(time.Minute)
	entry := r.Create("s1", "a1", "m")

	var sub collector
	r.Subscribe("s1", sub.fn)

	r.PushEvent("s1", models.TokenEvent("before "))
	if !r.Abort("s1") {
		t.Fatal("Abort returned false for live entry")
	}
	select {
	case <-entry.AbortContext().Done():
	default:
		t.Error("abort context must be cancelled")
	}

	r.PushEvent("s1", models.TokenEvent("dropped"))
	r.PushEvent("s1", models.ToolCallEvent(models.ToolCall{ID: "tc1", Name: "shell"}))
	r.PushEvent("s1", models.UsageEvent(models.TokenUsage{InputTokens: 3}))
	r.PushEvent("s1", models.DoneEvent(false))

	if got := entry.Content(); got != "before " {
		t.Errorf("Content = %q, aborted tokens must not accumulate", got)
	}
	if len(entry.ToolCalls()) != 0 {
		t.Error("aborted tool calls must not accumulate")
	}
	if !entry.Done() {
		t.Error("done must still land after abort")
	}

	// The abort notice reaches subscribers; the dropped token does not.
	var sawNotice, sawDropped bool
	for _, ev := range sub.events {
		if ev.Type == models.EventToken && ev.Token == "\n[Interrupted by user]" {
			sawNotice = true
		}
		if ev.Type == models.EventToken && ev.Token == "dropped" {
			sawDropped = true
		}
	}
	if !sawNotice {
		t.Error("expected interruption notice token")
	}
	if sawDropped {
		t.Error("post-abort token leaked to subscriber")
	}
}

func TestRegistry_ContinuePreservesSubscribersAndResetsContent(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")

	var sub collector
	r.Subscribe("s1", sub.fn)

	r.PushEvent("s1", models.TokenEvent("round one"))
	r.PushEvent("s1", models.DoneEvent(true))

	entry := r.Continue("s1", "a2")
	if entry == nil {
		t.Fatal("Continue returned nil for existing entry")
	}
	if entry.AssistantID() != "a2" {
		t.Errorf("AssistantID = %q, want a2", entry.AssistantID())
	}
	if entry.Content() != "" || entry.Done() {
		t.Error("Continue must reset content and done")
	}

	before := len(sub.events)
	r.PushEvent("s1", models.TokenEvent("round two"))
	if len(sub.events) != before+1 {
		t.Error("subscriber must survive Continue")
	}

	if r.Continue("missing", "a3") != nil {
		t.Error("Continue for unknown session must return nil")
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")

	var a, b collector
	unsubA := r.Subscribe("s1", a.fn)
	r.Subscribe("s1", b.fn)

	unsubA()
	r.PushEvent("s1", models.TokenEvent("x"))

	if len(a.events) != 1 {
		t.Errorf("unsubscribed collector got %d events, want snapshot only", len(a.events))
	}
	if len(b.events) != 2 {
		t.Errorf("remaining collector got %d events, want 2", len(b.events))
	}
}

func TestRegistry_ScheduleRemovalGenerationGuard(t *testing.T) {
	r := newTestRegistry(5 * time.Millisecond)
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", models.DoneEvent(true))

	// A new round between scheduling and firing keeps the entry alive.
	r.ScheduleRemoval("s1")
	r.Continue("s1", "a2")

	time.Sleep(30 * time.Millisecond)
	if r.Get("s1") == nil {
		t.Fatal("entry evicted despite generation bump")
	}

	r.PushEvent("s1", models.DoneEvent(false))
	r.ScheduleRemoval("s1")
	deadline := time.Now().Add(time.Second)
	for r.Get("s1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("finished entry never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_RemovalSkipsLiveEntry(t *testing.T) {
	r := newTestRegistry(5 * time.Millisecond)
	r.Create("s1", "a1", "m")

	// Not done; a scheduled removal must not fire on a live round.
	r.ScheduleRemoval("s1")
	time.Sleep(30 * time.Millisecond)
	if r.Get("s1") == nil {
		t.Fatal("live entry evicted")
	}
}

func TestRegistry_CreateReplacesFinishedEntry(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", models.TokenEvent("old"))
	r.PushEvent("s1", models.DoneEvent(false))

	entry := r.Create("s1", "a2", "m")
	if entry.Content() != "" || entry.Done() {
		t.Error("Create must start from a clean slate")
	}
	if entry.AssistantID() != "a2" {
		t.Errorf("AssistantID = %q, want a2", entry.AssistantID())
	}
}

func TestRegistry_ActiveStreamsGaugeSurvivesOverwrite(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(time.Minute, nil, metrics)

	r.Create("s1", "a1", "m")
	if got := testutil.ToFloat64(metrics.ActiveStreams); got != 1 {
		t.Fatalf("gauge after first Create = %v, want 1", got)
	}

	// Overwriting a live entry must not leave the first one counted.
	r.Create("s1", "a2", "m")
	if got := testutil.ToFloat64(metrics.ActiveStreams); got != 1 {
		t.Fatalf("gauge after overwriting live entry = %v, want 1", got)
	}

	r.PushEvent("s1", models.DoneEvent(false))
	if got := testutil.ToFloat64(metrics.ActiveStreams); got != 0 {
		t.Fatalf("gauge after done = %v, want 0", got)
	}

	// Replacing a finished entry counts the new round only.
	r.Create("s1", "a3", "m")
	if got := testutil.ToFloat64(metrics.ActiveStreams); got != 1 {
		t.Fatalf("gauge after replacing finished entry = %v, want 1", got)
	}

	r.Remove("s1")
	if got := testutil.ToFloat64(metrics.ActiveStreams); got != 0 {
		t.Fatalf("gauge after Remove = %v, want 0", got)
	}
}

func TestRegistry_PushToUnknownSessionIsNoop(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.PushEvent("missing", models.TokenEvent("x"))
	if r.Subscribe("missing", func(models.Event) {}) != nil {
		t.Error("Subscribe for unknown session must return nil")
	}
	if r.Abort("missing") {
		t.Error("Abort for unknown session must return false")
	}
}
