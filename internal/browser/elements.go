package browser

import (
	"errors"
	"fmt"
)

// ErrElementNotFound is returned when an element index cannot be resolved
// against the current map. The wrapped message tells the model how to
// recover.
var ErrElementNotFound = errors.New("ELEMENT_NOT_FOUND")

// ElementRef is one entry of a session's element map: an accessibility-tree
// node the model can address by index. MapVersion records which map build the
// entry belongs to, so stale references are detectable.
type ElementRef struct {
	Role             string `json:"role"`
	Name             string `json:"name"`
	BackendDOMNodeID int    `json:"backendDOMNodeId"`
	MapVersion       int    `json:"mapVersion"`
}

// UpdateElementMap replaces the session's element map with entries, bumping
// the map version and stamping it onto every entry. Returns the new version.
func (m *Manager) UpdateElementMap(sessionID string, entries map[int]ElementRef) (int, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("browser: no session %s", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, fmt.Errorf("browser: session %s is destroyed", sessionID)
	}
	s.mapVersion++
	s.elements = make(map[int]ElementRef, len(entries))
	for idx, ref := range entries {
		ref.MapVersion = s.mapVersion
		s.elements[idx] = ref
	}
	return s.mapVersion, nil
}

// ClearElementMap empties the map, bumps the version, and drops the CDP
// session. A cross-document navigation resets the DevTools domain state, so
// the next user creates a fresh session.
func (m *Manager) ClearElementMap(sessionID string) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	s.mapVersion++
	s.elements = make(map[int]ElementRef)
	cdp := s.cdp
	s.cdp = nil
	s.mu.Unlock()

	if cdp != nil {
		cdp.Detach()
	}
}

// ResolveElement looks up an element index in the session's current map. The
// failure message distinguishes an empty map, where the caller must refresh
// the page content first, from a stale or out-of-range index.
func (m *Manager) ResolveElement(sessionID string, index int) (ElementRef, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return ElementRef{}, fmt.Errorf("%w: no browser session; use get_content to load a page first", ErrElementNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.elements) == 0 {
		return ElementRef{}, fmt.Errorf("%w: the element map is empty; call get_content to refresh the page content first", ErrElementNotFound)
	}
	ref, ok := s.elements[index]
	if !ok {
		return ElementRef{}, fmt.Errorf("%w: element %d is not in the current map of %d elements; the page may have changed, call get_content again", ErrElementNotFound, index, len(s.elements))
	}
	return ref, nil
}

// ElementCount returns the size and version of the session's current map.
func (m *Manager) ElementCount(sessionID string) (count, version int) {
	s, ok := m.Get(sessionID)
	if !ok {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elements), s.mapVersion
}
