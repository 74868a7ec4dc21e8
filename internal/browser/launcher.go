package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Socket polling bounds for the virtual display server.
const (
	displayPollAttempts = 50
	displayPollInterval = 100 * time.Millisecond
)

// PlaywrightLauncher is the production Launcher: Xvfb for the display,
// x11vnc for remote viewing, playwright-driven Chromium for the browser.
type PlaywrightLauncher struct {
	pw      *playwright.Playwright
	homeDir string
}

// NewPlaywrightLauncher installs the playwright driver if needed and starts
// it. homeDir must be writable; Chromium refuses to start without one.
func NewPlaywrightLauncher(homeDir string) (*PlaywrightLauncher, error) {
	if homeDir == "" {
		homeDir = os.TempDir()
	}
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return nil, fmt.Errorf("browser: install playwright: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("browser: start playwright: %w", err)
	}
	return &PlaywrightLauncher{pw: pw, homeDir: homeDir}, nil
}

// Close stops the playwright driver.
func (l *PlaywrightLauncher) Close() error {
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// StartDisplay spawns Xvfb on :display and waits for its socket to appear.
func (l *PlaywrightLauncher) StartDisplay(ctx context.Context, display int) (Process, error) {
	cmd := exec.Command("Xvfb", fmt.Sprintf(":%d", display), "-screen", "0", "1280x720x24", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn Xvfb: %w", err)
	}
	proc := &childProcess{cmd: cmd}

	socket := fmt.Sprintf("/tmp/.X11-unix/X%d", display)
	for attempt := 0; attempt < displayPollAttempts; attempt++ {
		if _, err := os.Stat(socket); err == nil {
			return proc, nil
		}
		select {
		case <-ctx.Done():
			proc.Kill()
			return nil, ctx.Err()
		case <-time.After(displayPollInterval):
		}
	}
	proc.Kill()
	return nil, fmt.Errorf("Xvfb socket %s never appeared", socket)
}

// StartVNC spawns x11vnc bound to :display on the given port.
func (l *PlaywrightLauncher) StartVNC(ctx context.Context, display, port int) (Process, error) {
	cmd := exec.Command("x11vnc",
		"-display", fmt.Sprintf(":%d", display),
		"-rfbport", strconv.Itoa(port),
		"-forever", "-shared", "-nopw", "-quiet")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn x11vnc: %w", err)
	}
	return &childProcess{cmd: cmd}, nil
}

// LaunchBrowser starts a headed Chromium on the session's display. Headed,
// because the VNC viewer is the whole point of the virtual display.
func (l *PlaywrightLauncher) LaunchBrowser(ctx context.Context, display int) (BrowserHandle, error) {
	browser, err := l.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(false),
		Args:     []string{"--no-sandbox", "--disable-dev-shm-usage"},
		Env: map[string]string{
			"HOME":    l.homeDir,
			"DISPLAY": fmt.Sprintf(":%d", display),
		},
	})
	if err != nil {
		return nil, err
	}

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := browserContext.NewPage()
	if err != nil {
		browserContext.Close()
		browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	return &playwrightHandle{browser: browser, context: browserContext, page: page}, nil
}

type playwrightHandle struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func (h *playwrightHandle) Page() playwright.Page { return h.page }

func (h *playwrightHandle) NewCDPSession() (CDPSession, error) {
	return h.context.NewCDPSession(h.page)
}

func (h *playwrightHandle) OnDisconnected(handler func()) {
	h.browser.OnDisconnected(func(playwright.Browser) { handler() })
}

func (h *playwrightHandle) Close() error {
	h.page.Close()
	h.context.Close()
	return h.browser.Close()
}

// childProcess wraps an exec.Cmd as a killable Process and reaps it.
type childProcess struct {
	cmd *exec.Cmd
}

func (p *childProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	go p.cmd.Wait()
	return err
}
