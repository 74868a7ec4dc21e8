// Package browser owns the per-session browser stack: a virtual display, a
// headless Chromium, a VNC server for live viewing, an element map built by
// the browser tool, and a latest-screenshot buffer. Every resource is keyed
// by session id and torn down together.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/hearthdev/hearth/internal/config"
	"github.com/hearthdev/hearth/internal/observability"
)

// firstDisplay is the lowest virtual display number handed out. Low numbers
// are left to real X servers on the host.
const firstDisplay = 100

// vncBasePort follows the X convention: display :N serves VNC on 5900+N.
const vncBasePort = 5900

// Process is a handle to an owned child process (Xvfb, x11vnc).
type Process interface {
	Kill() error
}

// CDPSession is the slice of the Chrome DevTools Protocol session the element
// map needs. playwright's CDPSession satisfies it.
type CDPSession interface {
	Send(method string, params map[string]interface{}) (interface{}, error)
	Detach() error
}

// BrowserHandle abstracts the launched browser so the manager can be tested
// without Chromium.
type BrowserHandle interface {
	Page() playwright.Page
	NewCDPSession() (CDPSession, error)
	OnDisconnected(func())
	Close() error
}

// Launcher spawns the display server, the VNC server, and the browser. The
// production implementation shells out to Xvfb/x11vnc and drives playwright.
type Launcher interface {
	StartDisplay(ctx context.Context, display int) (Process, error)
	StartVNC(ctx context.Context, display, port int) (Process, error)
	LaunchBrowser(ctx context.Context, display int) (BrowserHandle, error)
}

// Session is one live per-conversation browser stack. All fields are owned by
// the session and released together on destroy, whichever path triggers it.
type Session struct {
	ID      string
	Display int
	VNCPort int

	manager *Manager

	mu          sync.Mutex
	destroyed   bool
	handle      BrowserHandle
	displayProc Process
	vncProc     Process
	tokenPath   string
	idleTimer   *time.Timer

	elements   map[int]ElementRef
	mapVersion int
	cdp        CDPSession

	// ready is closed once creation finishes; initErr holds the outcome.
	ready   chan struct{}
	initErr error
}

type latestImage struct {
	mediaType string
	data      []byte
}

// Manager is the process-wide session-id to browser-session map.
type Manager struct {
	launcher Launcher
	cfg      config.BrowserConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	images   map[string]latestImage
}

// NewManager builds the manager. metrics may be nil.
func NewManager(launcher Launcher, cfg config.BrowserConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		images:   make(map[string]latestImage),
	}
}

// GetOrCreate returns the live browser session for sessionID, creating the
// whole stack on first use. A hit resets the idle timer. Concurrent callers
// for the same session share one creation.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		<-s.ready
		if s.initErr != nil {
			return nil, s.initErr
		}
		s.mu.Lock()
		dead := s.destroyed
		if !dead {
			s.resetIdleLocked(m.cfg.IdleTimeout)
		}
		s.mu.Unlock()
		if dead {
			// Lost a race with destroy; start over.
			return m.GetOrCreate(ctx, sessionID)
		}
		return s, nil
	}

	display := m.allocateDisplayLocked()
	s := &Session{
		ID:       sessionID,
		Display:  display,
		VNCPort:  vncBasePort + display,
		manager:  m,
		elements: make(map[int]ElementRef),
		ready:    make(chan struct{}),
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := m.create(ctx, s); err != nil {
		s.initErr = err
		close(s.ready)
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil, err
	}
	close(s.ready)

	if m.metrics != nil {
		m.metrics.BrowserSessions.Inc()
	}
	m.logger.Info(ctx, "browser session created",
		"session_id", sessionID, "display", display, "vnc_port", s.VNCPort)
	return s, nil
}

// Get is a pure lookup; it does not reset the idle timer.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-s.ready
	if s.initErr != nil {
		return nil, false
	}
	return s, true
}

// Touch resets the idle timer for a live session. No-op otherwise.
func (m *Manager) Touch(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.mu.Lock()
		if !s.destroyed {
			s.resetIdleLocked(m.cfg.IdleTimeout)
		}
		s.mu.Unlock()
	}
}

// Destroy tears down the session's whole stack. Idempotent and safe to call
// for sessions that never existed.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.images, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	<-s.ready
	s.teardown()
}

// DestroyAll tears down every live session, for process shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}

// ActiveSessions returns a snapshot of live session ids.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SetLatestImage stores the newest screenshot for a session, replacing any
// previous one.
func (m *Manager) SetLatestImage(sessionID, mediaType string, data []byte) {
	m.mu.Lock()
	m.images[sessionID] = latestImage{mediaType: mediaType, data: data}
	m.mu.Unlock()
}

// LatestImage returns the newest screenshot for a session, if any.
func (m *Manager) LatestImage(sessionID string) (string, []byte, bool) {
	m.mu.Lock()
	img, ok := m.images[sessionID]
	m.mu.Unlock()
	return img.mediaType, img.data, ok
}

// allocateDisplayLocked picks the smallest display number >= firstDisplay not
// held by any live session. Caller holds m.mu.
func (m *Manager) allocateDisplayLocked() int {
	taken := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		taken[s.Display] = true
	}
	display := firstDisplay
	for taken[display] {
		display++
	}
	return display
}

func (m *Manager) create(ctx context.Context, s *Session) error {
	displayProc, err := m.launcher.StartDisplay(ctx, s.Display)
	if err != nil {
		return fmt.Errorf("browser: start display :%d: %w", s.Display, err)
	}
	s.displayProc = displayProc

	handle, err := m.launcher.LaunchBrowser(ctx, s.Display)
	if err != nil {
		displayProc.Kill()
		return fmt.Errorf("browser: launch: %w", err)
	}
	s.handle = handle

	vncProc, err := m.launcher.StartVNC(ctx, s.Display, s.VNCPort)
	if err != nil {
		handle.Close()
		displayProc.Kill()
		return fmt.Errorf("browser: start vnc on :%d: %w", s.Display, err)
	}
	s.vncProc = vncProc

	if err := m.writeVNCToken(s); err != nil {
		m.logger.Warn(ctx, "failed to write vnc token file",
			"session_id", s.ID, "error", err)
	}

	// A crashed or externally closed browser takes the whole stack with it.
	handle.OnDisconnected(func() {
		m.logger.Warn(context.Background(), "browser disconnected",
			"session_id", s.ID, "display", s.Display)
		m.Destroy(s.ID)
	})

	s.mu.Lock()
	s.resetIdleLocked(m.cfg.IdleTimeout)
	s.mu.Unlock()
	return nil
}

// writeVNCToken drops "localhost:<vncPort>" where the companion VNC frontend
// expects it.
func (m *Manager) writeVNCToken(s *Session) error {
	if m.cfg.VNCTokenDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.cfg.VNCTokenDir, 0o755); err != nil {
		return err
	}
	s.tokenPath = filepath.Join(m.cfg.VNCTokenDir, s.ID+".token")
	return os.WriteFile(s.tokenPath, []byte(fmt.Sprintf("localhost:%d", s.VNCPort)), 0o644)
}

// resetIdleLocked arms or rewinds the idle timer. TTL <= 0 disables idle
// eviction. Caller holds s.mu.
func (s *Session) resetIdleLocked(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Reset(ttl)
		return
	}
	s.idleTimer = time.AfterFunc(ttl, func() {
		s.manager.logger.Info(context.Background(), "browser session idle, destroying",
			"session_id", s.ID)
		s.manager.Destroy(s.ID)
	})
}

// teardown releases every owned resource. Runs at most once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	timer := s.idleTimer
	handle := s.handle
	vncProc := s.vncProc
	displayProc := s.displayProc
	tokenPath := s.tokenPath
	cdp := s.cdp
	s.cdp = nil
	s.elements = make(map[int]ElementRef)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if handle != nil {
		handle.Close()
	}
	if vncProc != nil {
		vncProc.Kill()
	}
	if displayProc != nil {
		displayProc.Kill()
	}
	if tokenPath != "" {
		os.Remove(tokenPath)
	}
	if cdp != nil {
		cdp.Detach()
	}
	if s.manager.metrics != nil {
		s.manager.metrics.BrowserSessions.Dec()
	}
}

// Page returns the browser's default page.
func (s *Session) Page() playwright.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Page()
}

// CDP returns the session's DevTools session, creating one on first use and
// after every ClearElementMap.
func (s *Session) CDP() (CDPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, fmt.Errorf("browser: session %s is destroyed", s.ID)
	}
	if s.cdp != nil {
		return s.cdp, nil
	}
	cdp, err := s.handle.NewCDPSession()
	if err != nil {
		return nil, fmt.Errorf("browser: new cdp session: %w", err)
	}
	s.cdp = cdp
	return cdp, nil
}
