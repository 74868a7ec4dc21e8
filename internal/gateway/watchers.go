package gateway

import (
	"sync"

	"github.com/hearthdev/hearth/pkg/models"
)

// watcherRegistry tracks which connected clients watch which sessions, and
// keeps each watcher subscribed to the session's current stream entry.
// Watching survives rounds: when a new stream entry replaces an old one, the
// next syncSubscriptions call re-attaches every watcher.
type watcherRegistry struct {
	mu       sync.Mutex
	watchers map[string]map[*wsClient]bool
}

func newWatcherRegistry() *watcherRegistry {
	return &watcherRegistry{watchers: make(map[string]map[*wsClient]bool)}
}

func (w *watcherRegistry) add(sessionID string, c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.watchers[sessionID]
	if !ok {
		set = make(map[*wsClient]bool)
		w.watchers[sessionID] = set
	}
	set[c] = true
}

func (w *watcherRegistry) remove(sessionID string, c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.watchers[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(w.watchers, sessionID)
		}
	}
}

// removeClient drops a disconnected client from every session.
func (w *watcherRegistry) removeClient(c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sessionID, set := range w.watchers {
		delete(set, c)
		if len(set) == 0 {
			delete(w.watchers, sessionID)
		}
	}
}

// get returns a snapshot of the clients watching a session.
func (w *watcherRegistry) get(sessionID string) []*wsClient {
	w.mu.Lock()
	defer w.mu.Unlock()
	clients := make([]*wsClient, 0, len(w.watchers[sessionID]))
	for c := range w.watchers[sessionID] {
		clients = append(clients, c)
	}
	return clients
}

// broadcast fans an event out to every watcher of a session except the
// sender. Used for events that exist outside any stream entry, like approval
// changes and compaction progress.
func (w *watcherRegistry) broadcast(sessionID string, event models.Event, except *wsClient) {
	for _, c := range w.get(sessionID) {
		if c == except {
			continue
		}
		c.sendEvent(sessionID, event)
	}
}
