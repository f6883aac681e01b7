package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/lab-clinic-booking/internal/auth"
	"github.com/hackgods/lab-clinic-booking/internal/handoff"
	"github.com/hackgods/lab-clinic-booking/internal/metrics"
)

// Client to server events.
const (
	EventRegister          = "register"
	EventRequestHandoff    = "request_handoff"
	EventCancelHandoff     = "cancel_handoff"
	EventMessage           = "message"
	EventRegisterOperator  = "register_operator"
	EventTakeConversation  = "take_conversation"
	EventOperatorMessage   = "operator_message"
	EventCloseConversation = "close_conversation"
	EventGetPending        = "get_pending"
)

// Server to client events not produced by the handoff service.
const (
	EventRegistered       = "registered"
	EventHandoffStarted   = "handoff_started"
	EventUserDisconnected = "user_disconnected"
	EventError            = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	historyLimit   = 50

	botReply = "I can help with appointment questions. Ask for an operator any time to talk to a person."
)

// HandoffService is the slice of handoff.Service the gateway drives.
type HandoffService interface {
	RequestHandoff(ctx context.Context, req handoff.HandoffRequest) (*handoff.HandoffResult, error)
	CancelHandoff(ctx context.Context, sessionID string) (*handoff.Conversation, error)
	ClaimConversation(ctx context.Context, conversationID int64, operatorID string) (*handoff.Conversation, error)
	CloseConversation(ctx context.Context, conversationID int64, operatorID string) (*handoff.Conversation, error)
	PostMessage(ctx context.Context, req handoff.PostMessageRequest) (*handoff.Message, error)
	PendingConversations(ctx context.Context) ([]handoff.PendingConversation, error)
	AssignedConversations(ctx context.Context, operatorID string) ([]handoff.Conversation, error)
	History(ctx context.Context, conversationID int64, limit int) ([]handoff.Message, error)
	RestoreSession(ctx context.Context, sessionID string) (*handoff.Conversation, error)
}

type Options struct {
	// AllowedOrigins restricts the upgrade Origin header; empty or "*" allows all.
	AllowedOrigins []string
	// Verifier enables token checks on register_operator and register.
	Verifier *auth.Verifier
}

type Gateway struct {
	hub      *Hub
	svc      HandoffService
	verifier *auth.Verifier
	metrics  *metrics.GatewayMetrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(hub *Hub, svc HandoffService, m *metrics.GatewayMetrics, logger zerolog.Logger, opts Options) *Gateway {
	g := &Gateway{
		hub:      hub,
		svc:      svc,
		verifier: opts.Verifier,
		metrics:  m,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(uuid.NewString())
	g.hub.Register(c)
	g.metrics.ConnectionOpened(roleNone)
	g.logger.Debug().Str("client_id", c.ID).Msg("client connected")

	go g.writePump(c, conn)
	g.readPump(r.Context(), c, conn)
}

func (g *Gateway) readPump(ctx context.Context, c *Client, conn *websocket.Conn) {
	defer func() {
		g.disconnect(c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug().Err(err).Str("client_id", c.ID).Msg("connection closed unexpectedly")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			g.sendError(c, "", "invalid_frame", "frames must be JSON {\"event\", \"data\"}")
			continue
		}
		g.Handle(ctx, c, env)
	}
}

func (g *Gateway) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect unregisters the client and tells the conversation's operator
// when a patient in a live handoff goes away.
func (g *Gateway) disconnect(c *Client) {
	st := c.state()
	g.hub.Unregister(c)
	g.metrics.ConnectionClosed(st.role)

	if st.role == roleUser && st.conversationID != 0 && st.mode == handoff.ModeHandoff {
		g.hub.PublishConversation(context.Background(), st.conversationID, EventUserDisconnected, map[string]any{
			"conversation_id": st.conversationID,
			"session_id":      st.sessionID,
		})
	}
	g.logger.Debug().Str("client_id", c.ID).Str("role", st.role).Msg("client disconnected")
}

// Handle dispatches one inbound frame.
func (g *Gateway) Handle(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case EventRegister:
		g.handleRegister(ctx, c, env)
	case EventRequestHandoff:
		g.handleRequestHandoff(ctx, c, env)
	case EventCancelHandoff:
		g.handleCancelHandoff(ctx, c, env)
	case EventMessage:
		g.handleMessage(ctx, c, env)
	case EventRegisterOperator:
		g.handleRegisterOperator(ctx, c, env)
	case EventTakeConversation:
		g.handleTakeConversation(ctx, c, env)
	case EventOperatorMessage:
		g.handleOperatorMessage(ctx, c, env)
	case EventCloseConversation:
		g.handleCloseConversation(ctx, c, env)
	case EventGetPending:
		g.handleGetPending(ctx, c, env)
	default:
		g.sendError(c, env.Event, "unknown_event", "unknown event "+env.Event)
	}
}

type registerPayload struct {
	SessionID string `json:"session_id" validate:"max=128"`
	UserID    string `json:"user_id" validate:"max=128"`
	Token     string `json:"token"`
}

type registeredPayload struct {
	Role           string        `json:"role"`
	SessionID      string        `json:"session_id,omitempty"`
	OperatorID     string        `json:"operator_id,omitempty"`
	ConversationID int64         `json:"conversation_id,omitempty"`
	State          handoff.State `json:"state,omitempty"`
	Mode           handoff.Mode  `json:"mode,omitempty"`

	Assigned []handoff.Conversation `json:"assigned,omitempty"`
}

func (g *Gateway) handleRegister(ctx context.Context, c *Client, env Envelope) {
	var p registerPayload
	if !g.decode(c, env, &p) {
		return
	}
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		g.sendError(c, env.Event, handoff.Code(handoff.ErrInvalidSession), handoff.ErrInvalidSession.Error())
		return
	}

	userID := strings.TrimSpace(p.UserID)
	if g.verifier != nil {
		userID = ""
		if p.Token != "" {
			claims, err := g.verifier.Verify(p.Token)
			if err != nil {
				g.sendError(c, env.Event, "unauthorized", "invalid token")
				return
			}
			userID = claims.Subject
		}
	}

	g.promote(c, roleUser)
	c.setUser(p.SessionID, userID)

	resp := registeredPayload{Role: roleUser, SessionID: p.SessionID, Mode: handoff.ModeBot}
	conv, err := g.svc.RestoreSession(ctx, p.SessionID)
	switch {
	case err == nil:
		mode := handoff.ModeHandoff
		if conv.State == handoff.StateActive {
			mode = handoff.ModeBot
		}
		c.bindConversation(conv.ID, mode)
		g.hub.Subscribe(c, ConversationTopic(conv.ID))
		resp.ConversationID = conv.ID
		resp.State = conv.State
		resp.Mode = mode
	case !errors.Is(err, handoff.ErrNoActiveHandoff):
		g.logger.Warn().Err(err).Str("session_id", p.SessionID).Msg("session restore failed")
	}

	g.hub.SendTo(c, EventRegistered, resp)
}

type requestHandoffPayload struct {
	Reason string `json:"reason" validate:"max=500"`
}

type handoffStartedPayload struct {
	ConversationID int64         `json:"conversation_id"`
	State          handoff.State `json:"state"`
	Position       int           `json:"position"`
	Message        string        `json:"message"`
}

func (g *Gateway) handleRequestHandoff(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleUser)
	if !ok {
		return
	}
	var p requestHandoffPayload
	if !g.decode(c, env, &p) {
		return
	}

	res, err := g.svc.RequestHandoff(ctx, handoff.HandoffRequest{
		SessionID: st.sessionID,
		UserID:    st.userID,
		Reason:    p.Reason,
	})
	if err != nil {
		g.sendServiceError(c, env.Event, err)
		return
	}

	if st.conversationID != 0 && st.conversationID != res.Conversation.ID {
		g.hub.Unsubscribe(c, ConversationTopic(st.conversationID))
	}
	c.bindConversation(res.Conversation.ID, handoff.ModeHandoff)
	g.hub.Subscribe(c, ConversationTopic(res.Conversation.ID))

	g.hub.SendTo(c, EventHandoffStarted, handoffStartedPayload{
		ConversationID: res.Conversation.ID,
		State:          res.Conversation.State,
		Position:       res.Position,
		Message:        res.Message,
	})
}

func (g *Gateway) handleCancelHandoff(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleUser)
	if !ok {
		return
	}

	conv, err := g.svc.CancelHandoff(ctx, st.sessionID)
	if err != nil {
		g.sendServiceError(c, env.Event, err)
		return
	}

	if conv.State == handoff.StateClosed {
		c.detach(conv.ID)
		g.hub.Unsubscribe(c, ConversationTopic(conv.ID))
	} else {
		c.bindConversation(conv.ID, handoff.ModeBot)
	}
	g.hub.SendTo(c, handoff.EventHandoffCancelled, handoff.ClosedPayload{ConversationID: conv.ID, Reason: "cancelled"})
}

type messagePayload struct {
	Content string `json:"content"`
}

type operatorMessagePayload struct {
	ConversationID int64  `json:"conversation_id" validate:"required,gt=0"`
	Content        string `json:"content"`
}

func (g *Gateway) handleMessage(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleUser)
	if !ok {
		return
	}
	var p messagePayload
	if !g.decode(c, env, &p) {
		return
	}

	if st.conversationID == 0 {
		g.botAnswer(c)
		return
	}

	_, err := g.svc.PostMessage(ctx, handoff.PostMessageRequest{
		ConversationID: st.conversationID,
		Role:           handoff.RoleUser,
		SenderID:       st.userID,
		Content:        p.Content,
	})
	if errors.Is(err, handoff.ErrConversationClosed) {
		c.detach(st.conversationID)
		g.hub.Unsubscribe(c, ConversationTopic(st.conversationID))
		g.botAnswer(c)
		return
	}
	if err != nil {
		g.sendServiceError(c, env.Event, err)
		return
	}

	if st.mode == handoff.ModeBot {
		if _, err := g.svc.PostMessage(ctx, handoff.PostMessageRequest{
			ConversationID: st.conversationID,
			Role:           handoff.RoleBot,
			Content:        botReply,
		}); err != nil {
			g.logger.Warn().Err(err).Int64("conversation_id", st.conversationID).Msg("bot reply failed")
		}
	}
}

// botAnswer replies outside any persisted conversation.
func (g *Gateway) botAnswer(c *Client) {
	g.hub.SendTo(c, handoff.EventNewMessage, handoff.Message{
		Role:       handoff.RoleBot,
		SenderName: handoff.RoleBot.DisplayName(""),
		Content:    botReply,
		CreatedAt:  time.Now().UTC(),
	})
}

type registerOperatorPayload struct {
	OperatorID string `json:"operator_id" validate:"max=64"`
	Token      string `json:"token"`
}

func (g *Gateway) handleRegisterOperator(ctx context.Context, c *Client, env Envelope) {
	var p registerOperatorPayload
	if !g.decode(c, env, &p) {
		return
	}

	operatorID := strings.TrimSpace(p.OperatorID)
	if g.verifier != nil {
		claims, err := g.verifier.Verify(p.Token)
		if err != nil {
			g.sendError(c, env.Event, "unauthorized", "invalid token")
			return
		}
		if err := auth.RequireRole(claims, auth.RoleOperator); err != nil {
			g.sendError(c, env.Event, handoff.Code(handoff.ErrNotAuthorized), handoff.ErrNotAuthorized.Error())
			return
		}
		operatorID = claims.Subject
	}
	if operatorID == "" {
		g.sendError(c, env.Event, handoff.Code(handoff.ErrNotAuthorized), "operator_id is required")
		return
	}

	g.promote(c, roleOperator)
	c.setOperator(operatorID)
	g.hub.Subscribe(c, OperatorsTopic)

	resp := registeredPayload{Role: roleOperator, OperatorID: operatorID}
	assigned, err := g.svc.AssignedConversations(ctx, operatorID)
	if err != nil {
		g.logger.Warn().Err(err).Str("operator_id", operatorID).Msg("assigned conversations load failed")
	}
	for _, conv := range assigned {
		g.hub.Subscribe(c, ConversationTopic(conv.ID))
	}
	resp.Assigned = assigned
	g.hub.SendTo(c, EventRegistered, resp)

	g.sendPending(ctx, c, env.Event)
}

type conversationPayload struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

type takenPayload struct {
	Conversation *handoff.Conversation `json:"conversation"`
	Messages     []handoff.Message     `json:"messages"`
}

func (g *Gateway) handleTakeConversation(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleOperator)
	if !ok {
		return
	}
	var p conversationPayload
	if !g.decode(c, env, &p) {
		return
	}

	conv, err := g.svc.ClaimConversation(ctx, p.ConversationID, st.operatorID)
	if err != nil {
		g.sendServiceError(c, env.Event, err)
		return
	}
	g.hub.Subscribe(c, ConversationTopic(conv.ID))

	history, err := g.svc.History(ctx, conv.ID, historyLimit)
	if err != nil {
		g.logger.Warn().Err(err).Int64("conversation_id", conv.ID).Msg("history load failed")
	}
	g.hub.SendTo(c, handoff.EventConversationAssigned, takenPayload{Conversation: conv, Messages: history})
}

func (g *Gateway) handleOperatorMessage(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleOperator)
	if !ok {
		return
	}
	var p operatorMessagePayload
	if !g.decode(c, env, &p) {
		return
	}

	if _, err := g.svc.PostMessage(ctx, handoff.PostMessageRequest{
		ConversationID: p.ConversationID,
		Role:           handoff.RoleOperator,
		SenderID:       st.operatorID,
		Content:        p.Content,
	}); err != nil {
		g.sendServiceError(c, env.Event, err)
	}
}

func (g *Gateway) handleCloseConversation(ctx context.Context, c *Client, env Envelope) {
	st, ok := g.requireRole(c, env, roleOperator)
	if !ok {
		return
	}
	var p conversationPayload
	if !g.decode(c, env, &p) {
		return
	}

	if _, err := g.svc.CloseConversation(ctx, p.ConversationID, st.operatorID); err != nil {
		g.sendServiceError(c, env.Event, err)
	}
}

func (g *Gateway) handleGetPending(ctx context.Context, c *Client, env Envelope) {
	if _, ok := g.requireRole(c, env, roleOperator); !ok {
		return
	}
	g.sendPending(ctx, c, env.Event)
}

func (g *Gateway) sendPending(ctx context.Context, c *Client, event string) {
	pending, err := g.svc.PendingConversations(ctx)
	if err != nil {
		g.sendServiceError(c, event, err)
		return
	}
	g.hub.SendTo(c, handoff.EventPendingConversations, pending)
}

// promote moves the connection gauge from the client's current role to role.
func (g *Gateway) promote(c *Client, role string) {
	prev := c.state().role
	if prev == role {
		return
	}
	g.metrics.ConnectionClosed(prev)
	g.metrics.ConnectionOpened(role)
}

func (g *Gateway) requireRole(c *Client, env Envelope, role string) (clientState, bool) {
	st := c.state()
	if st.role != role {
		g.sendError(c, env.Event, handoff.Code(handoff.ErrNotAuthorized), "register as "+role+" first")
		return st, false
	}
	return st, true
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// decode unmarshals and validates the frame data. Missing data decodes to the
// zero payload, which still has to validate.
func (g *Gateway) decode(c *Client, env Envelope, dst any) bool {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			g.sendError(c, env.Event, "invalid_frame", "malformed data for "+env.Event)
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		g.sendError(c, env.Event, "invalid_frame", describeInvalid(err))
		return false
	}
	return true
}

func describeInvalid(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid data"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) sendServiceError(c *Client, event string, err error) {
	code := handoff.Code(err)
	msg := err.Error()
	if code == "internal_error" {
		msg = "internal error"
	}
	g.sendError(c, event, code, msg)
}

func (g *Gateway) sendError(c *Client, event, code, message string) {
	g.hub.SendTo(c, EventError, errorPayload{Event: event, Code: code, Message: message})
}
