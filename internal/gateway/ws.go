package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/internal/store"
	"github.com/hearthdev/hearth/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is the wire frame in both directions. Requests carry Method and
// Params; responses echo ID with OK/Payload/Error; server pushes use type
// "event" with a per-connection sequence number.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsEventPayload wraps a stream event with the session it belongs to, since
// one connection can watch several sessions.
type wsEventPayload struct {
	SessionID string       `json:"session_id"`
	Event     models.Event `json:"event"`
}

// wsClient is one WebSocket connection. It may watch any number of sessions;
// subs holds the live stream unsubscribe handle per watched session.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	seq int64

	mu   sync.Mutex
	subs map[string]func()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]func()),
	}
	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *wsClient) close() {
	c.cancel()
	_ = c.conn.Close()

	c.server.watchers.removeClient(c)
	c.mu.Lock()
	for id, unsub := range c.subs {
		unsub()
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendErrorFrame("", "invalid_frame", err.Error())
			continue
		}
		if frame.Type != "" && frame.Type != "req" {
			c.sendErrorFrame(frame.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", frame.Type))
			continue
		}

		if err := c.handleRequest(&frame); err != nil {
			code := "request_failed"
			switch {
			case errors.Is(err, store.ErrNotFound):
				code = "not_found"
			case errors.Is(err, store.ErrConflict):
				code = "conflict"
			case errors.Is(err, errBadParams):
				code = "bad_params"
			}
			c.sendErrorFrame(frame.ID, code, err.Error())
		}
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// errBadParams marks client mistakes so readLoop can pick the error code.
var errBadParams = errors.New("bad params")

func badParams(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadParams}, args...)...)
}

func (c *wsClient) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "send_message":
		return c.handleSendMessage(frame)
	case "approve_tools":
		return c.handleApproveTools(frame)
	case "deny_tools":
		return c.handleDenyTools(frame)
	case "cancel":
		return c.handleCancel(frame)
	case "watch_session":
		return c.handleWatch(frame)
	case "unwatch_session":
		return c.handleUnwatch(frame)
	default:
		return badParams("unknown method %q", frame.Method)
	}
}

type wsSessionParams struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

func decodeParams(frame *wsFrame) (*wsSessionParams, error) {
	var p wsSessionParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, badParams("invalid params: %v", err)
		}
	}
	if p.SessionID == "" {
		return nil, badParams("session_id is required")
	}
	return &p, nil
}

// handleSendMessage persists the user message, opens a fresh stream entry,
// attaches every watcher, and then kicks off the generation round in the
// background. The ACK does not wait for the LLM.
func (c *wsClient) handleSendMessage(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return badParams("content is required")
	}
	s := c.server
	ctx := c.ctx

	session, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	modelRef, err := agent.ResolveSessionModel(ctx, s.store, s.settings, p.SessionID, session.Model)
	if err != nil {
		return badParams("%v", err)
	}
	providerName, _, err := agent.SplitModelRef(modelRef)
	if err != nil {
		return badParams("%v", err)
	}
	provider := s.providers.Get(providerName)
	if provider == nil {
		return badParams("provider %q is not configured", providerName)
	}

	userMsg := &models.Message{
		Role:      models.RoleUser,
		Content:   p.Content,
		Timestamp: models.NowMillis(),
	}
	messageID, err := s.store.AddMessage(ctx, p.SessionID, userMsg)
	if err != nil {
		return err
	}
	userMsg.ID = messageID

	// The sender becomes a watcher so the ensuing stream reaches it without a
	// separate watch_session call. Other watchers learn about the user message
	// out of band; it never flows through the stream entry.
	s.watchers.add(p.SessionID, c)
	s.watchers.broadcast(p.SessionID, models.Event{
		Type:      models.EventNewMessage,
		SessionID: p.SessionID,
		Message:   userMsg,
	}, c)

	// Seed the entry before the loop runs so every watcher is attached from
	// the first token; the loop continues this entry, keeping subscribers.
	s.registry.Create(p.SessionID, uuid.NewString(), modelRef)
	s.syncWatchers(p.SessionID)

	go s.loop.StreamNextRound(context.Background(), p.SessionID, modelRef, provider, 0)

	if session.Title == "" {
		go s.autoNameSession(p.SessionID, modelRef, provider, p.Content)
	}

	return c.sendResponse(frame.ID, true, map[string]string{
		"session_id": p.SessionID,
		"message_id": messageID,
	}, nil)
}

// handleApproveTools flips the pending round to approved and runs the tools
// in the background. A lost race (already approved, denied, or resolved)
// reports conflict and runs nothing.
func (c *wsClient) handleApproveTools(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	if p.MessageID == "" {
		return badParams("message_id is required")
	}
	s := c.server
	ctx := c.ctx

	session, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	modelRef, err := agent.ResolveSessionModel(ctx, s.store, s.settings, p.SessionID, session.Model)
	if err != nil {
		return badParams("%v", err)
	}
	providerName, _, err := agent.SplitModelRef(modelRef)
	if err != nil {
		return badParams("%v", err)
	}
	provider := s.providers.Get(providerName)
	if provider == nil {
		return badParams("provider %q is not configured", providerName)
	}

	ok, err := s.store.AtomicApprove(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrConflict
	}

	s.watchers.broadcast(p.SessionID, models.Event{
		Type: models.EventApprovalChanged,
		Approval: &models.ApprovalChange{
			MessageID:      p.MessageID,
			ApprovalStatus: models.ApprovalApproved,
		},
	}, c)

	s.registry.Create(p.SessionID, uuid.NewString(), modelRef)
	s.syncWatchers(p.SessionID)

	go s.loop.ExecuteToolRound(context.Background(), p.SessionID, p.MessageID, modelRef, provider, 0)

	return c.sendResponse(frame.ID, true, map[string]string{
		"session_id": p.SessionID,
		"message_id": p.MessageID,
		"status":     string(models.ApprovalApproved),
	}, nil)
}

// handleDenyTools resolves the pending round synchronously; no LLM round
// follows a denial.
func (c *wsClient) handleDenyTools(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	if p.MessageID == "" {
		return badParams("message_id is required")
	}
	s := c.server

	toolMsg, err := s.loop.DenyToolRound(c.ctx, p.SessionID, p.MessageID)
	if err != nil {
		return err
	}

	s.watchers.broadcast(p.SessionID, models.Event{
		Type: models.EventApprovalChanged,
		Approval: &models.ApprovalChange{
			MessageID:      p.MessageID,
			ApprovalStatus: models.ApprovalDenied,
		},
	}, c)
	s.watchers.broadcast(p.SessionID, models.Event{
		Type:      models.EventNewMessage,
		SessionID: p.SessionID,
		Message:   toolMsg,
	}, c)

	return c.sendResponse(frame.ID, true, map[string]any{
		"session_id": p.SessionID,
		"message_id": p.MessageID,
		"status":     string(models.ApprovalDenied),
		"message":    toolMsg,
	}, nil)
}

func (c *wsClient) handleCancel(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	aborted := c.server.registry.Abort(p.SessionID)
	return c.sendResponse(frame.ID, true, map[string]any{
		"session_id": p.SessionID,
		"aborted":    aborted,
	}, nil)
}

// handleWatch attaches this client to a session's stream. If a round is live
// the subscription immediately replays the snapshot, so a late joiner renders
// the partial assistant message before the next token.
func (c *wsClient) handleWatch(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	if _, err := c.server.store.GetSession(c.ctx, p.SessionID); err != nil {
		return err
	}
	c.server.watchers.add(p.SessionID, c)
	c.resubscribe(p.SessionID)
	return c.sendResponse(frame.ID, true, map[string]string{"session_id": p.SessionID}, nil)
}

func (c *wsClient) handleUnwatch(frame *wsFrame) error {
	p, err := decodeParams(frame)
	if err != nil {
		return err
	}
	c.server.watchers.remove(p.SessionID, c)
	c.mu.Lock()
	if unsub, ok := c.subs[p.SessionID]; ok {
		unsub()
		delete(c.subs, p.SessionID)
	}
	c.mu.Unlock()
	return c.sendResponse(frame.ID, true, map[string]string{"session_id": p.SessionID}, nil)
}

// resubscribe attaches the client to the session's current stream entry,
// dropping any subscription to a replaced one. No-op when no entry is live.
func (c *wsClient) resubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unsub, ok := c.subs[sessionID]; ok {
		unsub()
		delete(c.subs, sessionID)
	}
	unsub := c.server.registry.Subscribe(sessionID, func(ev models.Event) {
		c.sendEvent(sessionID, ev)
	})
	if unsub != nil {
		c.subs[sessionID] = unsub
	}
}

// syncWatchers re-attaches every watcher of a session to its current stream
// entry. Called after seeding a fresh entry for a new round.
func (s *Server) syncWatchers(sessionID string) {
	for _, c := range s.watchers.get(sessionID) {
		c.resubscribe(sessionID)
	}
}

// autoNameSession titles an untitled session from its first user message.
func (s *Server) autoNameSession(sessionID, modelRef string, provider agent.Provider, firstUserMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := agent.GenerateTitle(ctx, provider, modelRef, firstUserMessage)
	if err != nil {
		s.logger.Warn(ctx, "session auto-naming failed", "session_id", sessionID, "error", err)
		return
	}
	if err := s.store.UpdateSession(ctx, sessionID, store.SessionPatch{Title: &title}); err != nil {
		s.logger.Warn(ctx, "failed to store session title", "session_id", sessionID, "error", err)
	}
}

func (c *wsClient) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: wsErr})
}

func (c *wsClient) sendErrorFrame(id, code, message string) {
	ok := false
	_ = c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

// sendEvent pushes one stream event. Never blocks: a client that cannot
// drain its buffer is disconnected rather than allowed to stall the fanout.
func (c *wsClient) sendEvent(sessionID string, event models.Event) {
	seq := atomic.AddInt64(&c.seq, 1)
	frame := wsFrame{
		Type:    "event",
		Event:   string(event.Type),
		Payload: wsEventPayload{SessionID: sessionID, Event: event},
		Seq:     &seq,
	}
	if err := c.enqueue(frame); err != nil {
		c.server.logger.Warn(c.ctx, "dropping slow websocket client", "session_id", sessionID, "error", err)
		c.cancel()
		_ = c.conn.Close()
	}
}

func (c *wsClient) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return errors.New("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}
