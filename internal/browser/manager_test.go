package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/hearthdev/hearth/internal/config"
)

type fakeProcess struct {
	mu     sync.Mutex
	killed bool
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) isKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeCDP struct {
	mu       sync.Mutex
	detached bool
}

func (c *fakeCDP) Send(method string, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func (c *fakeCDP) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	return nil
}

type fakeHandle struct {
	mu           sync.Mutex
	closed       bool
	cdpSessions  []*fakeCDP
	disconnected func()
}

func (h *fakeHandle) Page() playwright.Page { return nil }

func (h *fakeHandle) NewCDPSession() (CDPSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cdp := &fakeCDP{}
	h.cdpSessions = append(h.cdpSessions, cdp)
	return cdp, nil
}

func (h *fakeHandle) OnDisconnected(handler func()) {
	h.mu.Lock()
	h.disconnected = handler
	h.mu.Unlock()
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeLauncher struct {
	mu        sync.Mutex
	displays  map[int]*fakeProcess
	vncs      map[int]*fakeProcess
	handles   map[int]*fakeHandle
	launchErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		displays: make(map[int]*fakeProcess),
		vncs:     make(map[int]*fakeProcess),
		handles:  make(map[int]*fakeHandle),
	}
}

func (l *fakeLauncher) StartDisplay(ctx context.Context, display int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{}
	l.displays[display] = p
	return p, nil
}

func (l *fakeLauncher) StartVNC(ctx context.Context, display, port int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if port != vncBasePort+display {
		return nil, fmt.Errorf("port %d does not match display %d", port, display)
	}
	p := &fakeProcess{}
	l.vncs[display] = p
	return p, nil
}

func (l *fakeLauncher) LaunchBrowser(ctx context.Context, display int) (BrowserHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	h := &fakeHandle{}
	l.handles[display] = h
	return h, nil
}

func newTestManager(t *testing.T, cfg config.BrowserConfig) (*Manager, *fakeLauncher) {
	t.Helper()
	launcher := newFakeLauncher()
	if cfg.VNCTokenDir == "" {
		cfg.VNCTokenDir = t.TempDir()
	}
	m := NewManager(launcher, cfg, nil, nil)
	t.Cleanup(m.DestroyAll)
	return m, launcher
}

func TestGetOrCreate_AllocatesFullStack(t *testing.T) {
	tokenDir := t.TempDir()
	m, launcher := newTestManager(t, config.BrowserConfig{VNCTokenDir: tokenDir})

	s, err := m.GetOrCreate(context.Background(), "sess-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.Display != firstDisplay || s.VNCPort != vncBasePort+firstDisplay {
		t.Errorf("display/port = %d/%d", s.Display, s.VNCPort)
	}
	if launcher.displays[s.Display] == nil || launcher.vncs[s.Display] == nil || launcher.handles[s.Display] == nil {
		t.Error("not all stack components were launched")
	}

	token, err := os.ReadFile(filepath.Join(tokenDir, "sess-a.token"))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if want := fmt.Sprintf("localhost:%d", s.VNCPort); string(token) != want {
		t.Errorf("token = %q, want %q", token, want)
	}

	// A second call returns the same session without relaunching.
	again, err := m.GetOrCreate(context.Background(), "sess-a")
	if err != nil || again != s {
		t.Errorf("second GetOrCreate = %p, %v; want same session", again, err)
	}
}

func TestGetOrCreate_DistinctSessionsGetDistinctDisplays(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})

	a, _ := m.GetOrCreate(context.Background(), "sess-a")
	b, _ := m.GetOrCreate(context.Background(), "sess-b")
	if a.Display == b.Display || a.VNCPort == b.VNCPort {
		t.Errorf("sessions share display %d/%d", a.Display, b.Display)
	}

	// Destroying one frees its display for reuse and leaves the other alone.
	m.Destroy("sess-a")
	c, _ := m.GetOrCreate(context.Background(), "sess-c")
	if c.Display != a.Display {
		t.Errorf("freed display %d not reused, got %d", a.Display, c.Display)
	}
	if got, ok := m.Get("sess-b"); !ok || got != b {
		t.Error("destroying sess-a affected sess-b")
	}
}

func TestDestroy_ReleasesEverythingAndIsIdempotent(t *testing.T) {
	tokenDir := t.TempDir()
	m, launcher := newTestManager(t, config.BrowserConfig{VNCTokenDir: tokenDir})

	s, _ := m.GetOrCreate(context.Background(), "sess-a")
	if _, err := s.CDP(); err != nil {
		t.Fatalf("CDP: %v", err)
	}

	m.Destroy("sess-a")
	m.Destroy("sess-a")       // idempotent
	m.Destroy("never-existed") // safe

	if !launcher.handles[s.Display].isClosed() {
		t.Error("browser not closed")
	}
	if !launcher.vncs[s.Display].isKilled() || !launcher.displays[s.Display].isKilled() {
		t.Error("child processes not killed")
	}
	if _, err := os.Stat(filepath.Join(tokenDir, "sess-a.token")); !os.IsNotExist(err) {
		t.Error("token file not deleted")
	}
	if !launcher.handles[s.Display].cdpSessions[0].detached {
		t.Error("cdp session not detached")
	}
	if _, ok := m.Get("sess-a"); ok {
		t.Error("destroyed session still resolvable")
	}
}

func TestDisconnectHandlerTearsDownSession(t *testing.T) {
	m, launcher := newTestManager(t, config.BrowserConfig{})

	s, _ := m.GetOrCreate(context.Background(), "sess-a")
	launcher.handles[s.Display].disconnected()

	if _, ok := m.Get("sess-a"); ok {
		t.Error("session survived browser disconnect")
	}
	if !launcher.displays[s.Display].isKilled() {
		t.Error("display left running after disconnect")
	}
}

func TestIdleTimerDestroysOnlyIdleSessions(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{IdleTimeout: 30 * time.Millisecond})

	m.GetOrCreate(context.Background(), "idle")
	m.GetOrCreate(context.Background(), "busy")

	// Keep "busy" alive across the TTL.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch("busy")
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := m.Get("idle"); ok {
		t.Error("idle session not evicted")
	}
	if _, ok := m.Get("busy"); !ok {
		t.Error("touched session was evicted")
	}
}

func TestIdleTimerDisabledByZeroTTL(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{IdleTimeout: 0})

	m.GetOrCreate(context.Background(), "sess-a")
	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Get("sess-a"); !ok {
		t.Error("session evicted with idle eviction disabled")
	}
}

func TestGetOrCreate_LaunchFailureLeavesNoEntry(t *testing.T) {
	m, launcher := newTestManager(t, config.BrowserConfig{})
	launcher.launchErr = errors.New("chromium exploded")

	if _, err := m.GetOrCreate(context.Background(), "sess-a"); err == nil {
		t.Fatal("expected launch error")
	}
	if !launcher.displays[firstDisplay].isKilled() {
		t.Error("display process leaked after failed launch")
	}
	if _, ok := m.Get("sess-a"); ok {
		t.Error("failed session left in the map")
	}

	// The id is creatable again once the launcher recovers.
	launcher.launchErr = nil
	if _, err := m.GetOrCreate(context.Background(), "sess-a"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestActiveSessions(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	m.GetOrCreate(context.Background(), "a")
	m.GetOrCreate(context.Background(), "b")

	ids := m.ActiveSessions()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ActiveSessions = %v", ids)
	}
}

func TestLatestImageBufferIsPerSession(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	m.GetOrCreate(context.Background(), "a")
	m.GetOrCreate(context.Background(), "b")

	m.SetLatestImage("a", "image/png", []byte("shot-a"))
	m.SetLatestImage("b", "image/png", []byte("shot-b"))
	m.SetLatestImage("a", "image/jpeg", []byte("shot-a2"))

	mediaType, data, ok := m.LatestImage("a")
	if !ok || mediaType != "image/jpeg" || string(data) != "shot-a2" {
		t.Errorf("latest image a = %q %q %v", mediaType, data, ok)
	}
	if _, data, _ := m.LatestImage("b"); string(data) != "shot-b" {
		t.Errorf("session b image affected by session a writes")
	}

	m.Destroy("a")
	if _, _, ok := m.LatestImage("a"); ok {
		t.Error("image buffer survived destroy")
	}
	if _, _, ok := m.LatestImage("b"); !ok {
		t.Error("destroying a dropped b's image")
	}
}

func TestElementMap(t *testing.T) {
	m, launcher := newTestManager(t, config.BrowserConfig{})
	m.GetOrCreate(context.Background(), "a")

	// Empty map and out-of-range produce distinguishable guidance.
	_, err := m.ResolveElement("a", 1)
	if !errors.Is(err, ErrElementNotFound) || !strings.Contains(err.Error(), "refresh the page content") {
		t.Errorf("empty-map error = %v", err)
	}

	version, err := m.UpdateElementMap("a", map[int]ElementRef{
		1: {Role: "button", Name: "Submit", BackendDOMNodeID: 42},
		2: {Role: "link", Name: "Home", BackendDOMNodeID: 43},
	})
	if err != nil || version != 1 {
		t.Fatalf("UpdateElementMap = %d, %v", version, err)
	}

	ref, err := m.ResolveElement("a", 1)
	if err != nil || ref.Name != "Submit" || ref.MapVersion != 1 {
		t.Errorf("ResolveElement = %+v, %v", ref, err)
	}
	_, err = m.ResolveElement("a", 9)
	if !errors.Is(err, ErrElementNotFound) || !strings.Contains(err.Error(), "not in the current map") {
		t.Errorf("out-of-range error = %v", err)
	}

	// Clearing bumps the version and drops the CDP session.
	s, _ := m.Get("a")
	if _, err := s.CDP(); err != nil {
		t.Fatalf("CDP: %v", err)
	}
	m.ClearElementMap("a")
	if !launcher.handles[s.Display].cdpSessions[0].detached {
		t.Error("cdp session not detached on clear")
	}
	if count, version := m.ElementCount("a"); count != 0 || version != 2 {
		t.Errorf("after clear count=%d version=%d", count, version)
	}

	// The next CDP use creates a fresh session.
	if _, err := s.CDP(); err != nil {
		t.Fatalf("CDP after clear: %v", err)
	}
	if len(launcher.handles[s.Display].cdpSessions) != 2 {
		t.Error("no fresh cdp session created after clear")
	}

	// A new map build stamps the bumped version.
	version, _ = m.UpdateElementMap("a", map[int]ElementRef{1: {Role: "button"}})
	if version != 3 {
		t.Errorf("version after rebuild = %d, want 3", version)
	}
	ref, _ = m.ResolveElement("a", 1)
	if ref.MapVersion != 3 {
		t.Errorf("entry stamped with %d, want 3", ref.MapVersion)
	}
}

func TestElementMapsAreIndependentAcrossSessions(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	m.GetOrCreate(context.Background(), "a")
	m.GetOrCreate(context.Background(), "b")

	m.UpdateElementMap("a", map[int]ElementRef{1: {Role: "button", Name: "OnlyInA"}})

	if _, err := m.ResolveElement("b", 1); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("session b resolved session a's element: %v", err)
	}
	m.ClearElementMap("b")
	if ref, err := m.ResolveElement("a", 1); err != nil || ref.Name != "OnlyInA" {
		t.Errorf("clearing b affected a: %+v, %v", ref, err)
	}
}
