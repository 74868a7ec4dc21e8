package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/hearthdev/hearth/internal/browser"
)

// maxPageContent caps the page text returned by get_content.
const maxPageContent = 20_000

// interactiveRoles are the accessibility roles that get an element index.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true,
	"checkbox": true, "radio": true, "combobox": true, "listbox": true,
	"menuitem": true, "tab": true, "slider": true, "switch": true,
}

// BrowserTool drives the session's browser: navigation, element interaction
// through the numbered element map, and screenshots into the latest-image
// buffer.
type BrowserTool struct {
	manager *browser.Manager
}

// NewBrowserTool creates the browser tool over the session manager.
func NewBrowserTool(manager *browser.Manager) *BrowserTool {
	return &BrowserTool{manager: manager}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Control a per-session web browser. Use get_content to load the page text and a numbered element map, then click/type by element index. navigate resets the element map. screenshot captures the current page for the vision model."
}

func (t *BrowserTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["navigate", "click", "type", "scroll", "get_content", "screenshot"],
				"description": "The browser action to perform."
			},
			"url": {
				"type": "string",
				"description": "URL to open (navigate only)."
			},
			"index": {
				"type": "integer",
				"minimum": 1,
				"description": "Element index from the latest get_content map (click and type)."
			},
			"text": {
				"type": "string",
				"description": "Text to type into the focused element (type only)."
			},
			"direction": {
				"type": "string",
				"enum": ["up", "down"],
				"description": "Scroll direction (scroll only, default down)."
			},
			"amount": {
				"type": "integer",
				"minimum": 1,
				"description": "Scroll distance in pixels (scroll only, default 600)."
			}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

type browserArgs struct {
	Action    string `json:"action"`
	URL       string `json:"url"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
}

func (t *BrowserTool) Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error) {
	var input browserArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %v", err)
	}

	switch input.Action {
	case "navigate":
		return t.navigate(ctx, sessionID, input.URL)
	case "click":
		return t.click(ctx, sessionID, input.Index)
	case "type":
		return t.typeText(ctx, sessionID, input.Index, input.Text)
	case "scroll":
		return t.scroll(ctx, sessionID, input.Direction, input.Amount)
	case "get_content":
		return t.getContent(ctx, sessionID)
	case "screenshot":
		return t.screenshot(ctx, sessionID)
	default:
		return "", fmt.Errorf("unknown action %q", input.Action)
	}
}

func (t *BrowserTool) navigate(ctx context.Context, sessionID, url string) (string, error) {
	if url == "" {
		return "", errors.New("url is required for navigate")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	page, err := t.page(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := page.Goto(url); err != nil {
		return "", fmt.Errorf("navigation failed: %v", err)
	}
	// Cross-document navigation invalidates the element map and the CDP
	// domain state behind it.
	t.manager.ClearElementMap(sessionID)

	title, _ := page.Title()
	return fmt.Sprintf("Navigated to %s\nTitle: %s\nCall get_content to read the page and map its elements.", url, title), nil
}

func (t *BrowserTool) getContent(ctx context.Context, sessionID string) (string, error) {
	page, err := t.page(ctx, sessionID)
	if err != nil {
		return "", err
	}
	session, ok := t.manager.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no browser session for %s", sessionID)
	}

	text := ""
	if value, err := page.Evaluate("() => document.body ? document.body.innerText : ''"); err == nil {
		if s, ok := value.(string); ok {
			text = s
		}
	}
	if len(text) > maxPageContent {
		text = text[:maxPageContent] + "\n... content truncated ..."
	}

	entries, listing, err := t.collectElements(session)
	if err != nil {
		return "", err
	}
	if _, err := t.manager.UpdateElementMap(sessionID, entries); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nInteractive elements:\n")
	if listing == "" {
		b.WriteString("(none found)\n")
	} else {
		b.WriteString(listing)
	}
	return b.String(), nil
}

// collectElements walks the accessibility tree over CDP and numbers the
// interactive nodes.
func (t *BrowserTool) collectElements(session *browser.Session) (map[int]browser.ElementRef, string, error) {
	cdp, err := session.CDP()
	if err != nil {
		return nil, "", err
	}
	if _, err := cdp.Send("Accessibility.enable", map[string]interface{}{}); err != nil {
		return nil, "", fmt.Errorf("accessibility domain unavailable: %v", err)
	}
	raw, err := cdp.Send("Accessibility.getFullAXTree", map[string]interface{}{})
	if err != nil {
		return nil, "", fmt.Errorf("accessibility tree fetch failed: %v", err)
	}

	tree, _ := raw.(map[string]interface{})
	nodes, _ := tree["nodes"].([]interface{})

	entries := make(map[int]browser.ElementRef)
	var listing strings.Builder
	index := 0
	for _, n := range nodes {
		node, ok := n.(map[string]interface{})
		if !ok {
			continue
		}
		if ignored, _ := node["ignored"].(bool); ignored {
			continue
		}
		role := axValue(node["role"])
		if !interactiveRoles[role] {
			continue
		}
		backendID, ok := node["backendDOMNodeId"].(float64)
		if !ok {
			continue
		}
		index++
		name := axValue(node["name"])
		entries[index] = browser.ElementRef{
			Role:             role,
			Name:             name,
			BackendDOMNodeID: int(backendID),
		}
		fmt.Fprintf(&listing, "[%d] %s %q\n", index, role, name)
	}
	return entries, listing.String(), nil
}

func axValue(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m["value"].(string)
	return s
}

func (t *BrowserTool) click(ctx context.Context, sessionID string, index int) (string, error) {
	if index < 1 {
		return "", errors.New("index is required for click")
	}
	ref, err := t.manager.ResolveElement(sessionID, index)
	if err != nil {
		return "", err
	}
	t.manager.Touch(sessionID)

	session, ok := t.manager.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no browser session for %s; navigate first", sessionID)
	}
	x, y, err := t.elementCenter(session, ref)
	if err != nil {
		return "", err
	}
	page := session.Page()
	if page == nil {
		return "", errors.New("browser page is not available")
	}
	if err := page.Mouse().Click(x, y); err != nil {
		return "", fmt.Errorf("click failed: %v", err)
	}
	return fmt.Sprintf("Clicked element %d (%s %q).", index, ref.Role, ref.Name), nil
}

func (t *BrowserTool) typeText(ctx context.Context, sessionID string, index int, text string) (string, error) {
	if index < 1 {
		return "", errors.New("index is required for type")
	}
	if text == "" {
		return "", errors.New("text is required for type")
	}
	if _, err := t.click(ctx, sessionID, index); err != nil {
		return "", err
	}

	session, ok := t.manager.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no browser session for %s; navigate first", sessionID)
	}
	page := session.Page()
	if page == nil {
		return "", errors.New("browser page is not available")
	}
	if err := page.Keyboard().Type(text); err != nil {
		return "", fmt.Errorf("typing failed: %v", err)
	}
	return fmt.Sprintf("Typed %q into element %d.", text, index), nil
}

func (t *BrowserTool) scroll(ctx context.Context, sessionID, direction string, amount int) (string, error) {
	session, ok := t.manager.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no browser session for %s; navigate first", sessionID)
	}
	t.manager.Touch(sessionID)
	page := session.Page()
	if page == nil {
		return "", errors.New("browser page is not available")
	}

	if amount <= 0 {
		amount = 600
	}
	delta := amount
	if direction == "up" {
		delta = -amount
	}
	if _, err := page.Evaluate(fmt.Sprintf("() => window.scrollBy(0, %d)", delta)); err != nil {
		return "", fmt.Errorf("scroll failed: %v", err)
	}
	return fmt.Sprintf("Scrolled %s by %d pixels. The element map may be stale; call get_content to refresh it.", scrollWord(direction), amount), nil
}

func scrollWord(direction string) string {
	if direction == "up" {
		return "up"
	}
	return "down"
}

func (t *BrowserTool) screenshot(ctx context.Context, sessionID string) (string, error) {
	page, err := t.page(ctx, sessionID)
	if err != nil {
		return "", err
	}
	data, err := page.Screenshot()
	if err != nil {
		return "", fmt.Errorf("screenshot failed: %v", err)
	}
	t.manager.SetLatestImage(sessionID, "image/png", data)
	return fmt.Sprintf("Screenshot captured (%d bytes). It is available to the vision model as the latest page image.", len(data)), nil
}

// elementCenter resolves a mapped element to viewport coordinates through the
// DevTools box model.
func (t *BrowserTool) elementCenter(session *browser.Session, ref browser.ElementRef) (float64, float64, error) {
	cdp, err := session.CDP()
	if err != nil {
		return 0, 0, err
	}
	params := map[string]interface{}{"backendNodeId": ref.BackendDOMNodeID}
	cdp.Send("DOM.scrollIntoViewIfNeeded", params)

	raw, err := cdp.Send("DOM.getBoxModel", params)
	if err != nil {
		return 0, 0, fmt.Errorf("element %d has no box model; the page may have changed, call get_content again: %v", ref.BackendDOMNodeID, err)
	}
	result, _ := raw.(map[string]interface{})
	model, _ := result["model"].(map[string]interface{})
	quad, _ := model["content"].([]interface{})
	if len(quad) != 8 {
		return 0, 0, errors.New("element has no renderable box; call get_content to refresh the map")
	}
	coords := make([]float64, 8)
	for i, v := range quad {
		f, ok := v.(float64)
		if !ok {
			return 0, 0, errors.New("malformed box model")
		}
		coords[i] = f
	}
	x := (coords[0] + coords[2] + coords[4] + coords[6]) / 4
	y := (coords[1] + coords[3] + coords[5] + coords[7]) / 4
	return x, y, nil
}

// page returns the session's default page, creating the browser stack on
// first use.
func (t *BrowserTool) page(ctx context.Context, sessionID string) (playwright.Page, error) {
	session, err := t.manager.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("browser session unavailable: %w", err)
	}
	page := session.Page()
	if page == nil {
		return nil, errors.New("browser page is not available")
	}
	return page, nil
}
