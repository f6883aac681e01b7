package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/lab-clinic-booking/internal/metrics"
)

// Event names pushed through the Notifier.
const (
	EventNewMessage           = "new_message"
	EventConversationAssigned = "conversation_assigned"
	EventConversationClosed   = "conversation_closed"
	EventPendingConversations = "pending_conversations"
	EventHandoffCancelled     = "handoff_cancelled"
)

const (
	maxMessageLength    = 4000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxRequestRetries   = 2
)

var tracer = otel.Tracer("labclinic.internal.handoff")

// Notifier fans events out to connected clients. Delivery is best effort.
type Notifier interface {
	PublishConversation(ctx context.Context, conversationID int64, event string, payload any)
	PublishOperators(ctx context.Context, event string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) PublishConversation(context.Context, int64, string, any) {}
func (noopNotifier) PublishOperators(context.Context, string, any)           {}

type AssignedPayload struct {
	ConversationID int64  `json:"conversation_id"`
	OperatorID     string `json:"operator_id"`
	OperatorName   string `json:"operator_name"`
}

type ClosedPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Reason         string `json:"reason"`
}

type HandoffRequest struct {
	SessionID string
	UserID    string
	Reason    string
}

type PostMessageRequest struct {
	ConversationID int64
	Role           SenderRole
	SenderID       string
	Content        string
}

type Options struct {
	Now func() time.Time
}

type Service struct {
	repo     Repository
	cache    SessionCache
	notifier Notifier
	metrics  *metrics.HandoffMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the handoff queue. notifier and m may be nil.
func NewService(repo Repository, cache SessionCache, notifier Notifier, m *metrics.HandoffMetrics, logger zerolog.Logger, opts Options) *Service {
	if cache == nil {
		cache = NewMemorySessionCache(0)
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "handoff").Logger(),
		now:      opts.Now,
	}
}

// RequestHandoff puts the session's conversation in the operator queue,
// reusing an open one when it can find it.
func (s *Service) RequestHandoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error) {
	ctx, span := tracer.Start(ctx, "handoff.request")
	defer span.End()

	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.SessionID == "" {
		return nil, ErrInvalidSession
	}

	conv, err := s.findReusable(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, s.internal("find reusable conversation", err)
	}

	note := systemNote(0, handoffNote(req.Reason))
	var userID *string
	if req.UserID != "" {
		userID = &req.UserID
	}

	queued := false
	for attempt := 0; ; attempt++ {
		if attempt > maxRequestRetries {
			return nil, s.internal("request handoff", ErrStateConflict)
		}
		if conv == nil || !conv.Open() {
			created, err := s.repo.CreateWaiting(ctx, req.SessionID, userID, note)
			if err == nil {
				conv = created
				queued = true
				break
			}
			if !errors.Is(err, ErrStateConflict) {
				return nil, s.internal("create conversation", err)
			}
			// Another request opened one for this session first.
			conv, err = s.repo.FindOpenBySession(ctx, req.SessionID)
			if err != nil && !errors.Is(err, ErrConversationNotFound) {
				return nil, s.internal("reload conversation", err)
			}
			continue
		}
		if conv.State != StateActive {
			break
		}

		next, err := s.repo.MarkWaiting(ctx, conv.ID, note)
		if err == nil {
			conv = next
			queued = true
			break
		}
		if !errors.Is(err, ErrStateConflict) {
			return nil, s.internal("mark waiting", err)
		}
		if conv, err = s.repo.GetConversation(ctx, conv.ID); err != nil {
			return nil, s.internal("reload conversation", err)
		}
	}
	span.SetAttributes(attribute.Int64("labclinic.conversation_id", conv.ID))

	s.bind(ctx, SessionBinding{
		SessionID:      req.SessionID,
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Mode:           ModeHandoff,
	})

	result := &HandoffResult{Conversation: conv}
	if conv.State == StateAssigned {
		result.Message = "An operator is already attending you."
		return result, nil
	}

	pos, err := s.repo.QueuePosition(ctx, conv.ID)
	if err != nil {
		return nil, s.internal("queue position", err)
	}
	result.Position = pos
	result.Message = fmt.Sprintf("You are number %d in the queue. An operator will be with you shortly.", pos)

	if queued {
		s.logger.Info().
			Int64("conversation_id", conv.ID).
			Str("session_id", req.SessionID).
			Int("position", pos).
			Msg("handoff requested")
		s.broadcastPending(ctx)
	}
	return result, nil
}

func (s *Service) findReusable(ctx context.Context, sessionID, userID string) (*Conversation, error) {
	b, ok, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session cache read failed")
	}
	if ok && b.ConversationID != 0 {
		conv, err := s.repo.GetConversation(ctx, b.ConversationID)
		switch {
		case err == nil && conv.Open():
			return conv, nil
		case err != nil && !errors.Is(err, ErrConversationNotFound):
			return nil, err
		}
	}

	conv, err := s.repo.FindOpenBySession(ctx, sessionID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	if userID == "" {
		return nil, nil
	}
	conv, err = s.repo.FindOpenByUser(ctx, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}
	return nil, nil
}

// CancelHandoff returns the session to the bot. A queued conversation leaves
// the queue and stays open; an assigned one is closed.
func (s *Service) CancelHandoff(ctx context.Context, sessionID string) (*Conversation, error) {
	ctx, span := tracer.Start(ctx, "handoff.cancel")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	conv, err := s.findReusable(ctx, sessionID, "")
	if err != nil {
		return nil, s.internal("find conversation", err)
	}
	if conv == nil {
		return nil, ErrNoActiveHandoff
	}

	if conv.State == StateWaiting {
		next, err := s.repo.ReturnToBot(ctx, conv.ID, systemNote(conv.ID, "Patient left the queue and returned to the assistant."))
		switch {
		case err == nil:
			s.bind(ctx, SessionBinding{SessionID: sessionID, ConversationID: next.ID, UserID: deref(next.UserID), Mode: ModeBot})
			s.notifier.PublishConversation(ctx, next.ID, EventHandoffCancelled, ClosedPayload{ConversationID: next.ID, Reason: "cancelled"})
			s.broadcastPending(ctx)
			return next, nil
		case !errors.Is(err, ErrStateConflict):
			return nil, s.internal("return to bot", err)
		}
		if conv, err = s.repo.GetConversation(ctx, conv.ID); err != nil {
			return nil, s.internal("reload conversation", err)
		}
	}

	switch conv.State {
	case StateAssigned:
		closed, err := s.close(ctx, conv, []State{StateAssigned}, "Patient returned to the assistant. Conversation closed.", "cancelled")
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrConversationClosed
		}
		return closed, err
	case StateClosed:
		_ = s.cache.Delete(ctx, sessionID)
		return nil, ErrConversationClosed
	default:
		s.bind(ctx, SessionBinding{SessionID: sessionID, ConversationID: conv.ID, UserID: deref(conv.UserID), Mode: ModeBot})
		return conv, nil
	}
}

// ClaimConversation assigns a queued conversation to operatorID. Of several
// concurrent claims exactly one wins; the others get ErrAlreadyAssigned.
func (s *Service) ClaimConversation(ctx context.Context, conversationID int64, operatorID string) (conv *Conversation, err error) {
	ctx, span := tracer.Start(ctx, "handoff.claim")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("labclinic.conversation_id", conversationID),
		attribute.String("labclinic.operator_id", operatorID),
	)
	defer func() {
		outcome := "assigned"
		if err != nil {
			outcome = Code(err)
			span.RecordError(err)
		}
		s.metrics.ObserveClaim(outcome)
	}()

	op, err := s.authorizeOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	note := systemNote(conversationID, fmt.Sprintf("%s joined the conversation.", RoleOperator.DisplayName(op.Name)))
	conv, err = s.repo.Claim(ctx, conversationID, op.ID, note)
	if err != nil {
		if !errors.Is(err, ErrStateConflict) {
			return nil, s.internal("claim conversation", err)
		}
		return nil, s.claimConflict(ctx, conversationID)
	}

	s.logger.Info().
		Int64("conversation_id", conv.ID).
		Str("operator_id", op.ID).
		Msg("conversation assigned")

	s.bind(ctx, SessionBinding{SessionID: conv.SessionID, ConversationID: conv.ID, UserID: deref(conv.UserID), Mode: ModeHandoff})
	s.notifier.PublishConversation(ctx, conv.ID, EventConversationAssigned, AssignedPayload{
		ConversationID: conv.ID,
		OperatorID:     op.ID,
		OperatorName:   RoleOperator.DisplayName(op.Name),
	})
	s.broadcastPending(ctx)
	return conv, nil
}

// claimConflict explains why a conditional claim touched no row.
func (s *Service) claimConflict(ctx context.Context, conversationID int64) error {
	cur, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return ErrConversationNotFound
		}
		return s.internal("reload conversation", err)
	}
	switch cur.State {
	case StateAssigned:
		return ErrAlreadyAssigned
	case StateClosed:
		return ErrConversationClosed
	default:
		return ErrNotWaiting
	}
}

// CloseConversation ends a conversation on behalf of an operator. Only the
// assigned operator may close an assigned conversation.
func (s *Service) CloseConversation(ctx context.Context, conversationID int64, operatorID string) (*Conversation, error) {
	ctx, span := tracer.Start(ctx, "handoff.close")
	defer span.End()
	span.SetAttributes(attribute.Int64("labclinic.conversation_id", conversationID))

	op, err := s.authorizeOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, s.internal("load conversation", err)
	}
	if !conv.Open() {
		return nil, ErrConversationClosed
	}
	if conv.State == StateAssigned && deref(conv.OperatorID) != op.ID {
		return nil, ErrNotAuthorized
	}

	from := []State{conv.State}
	closed, err := s.close(ctx, conv, from, "The operator closed the conversation.", "closed_by_operator")
	if errors.Is(err, ErrStateConflict) {
		return nil, s.closeConflict(ctx, conversationID)
	}
	return closed, err
}

func (s *Service) closeConflict(ctx context.Context, conversationID int64) error {
	cur, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return s.internal("reload conversation", err)
	}
	if cur.State == StateClosed {
		return ErrConversationClosed
	}
	return ErrAlreadyAssigned
}

// close runs the conditional CLOSED transition and tells every subscriber.
// ErrStateConflict is returned unwrapped for the caller to interpret.
func (s *Service) close(ctx context.Context, conv *Conversation, from []State, content, reason string) (*Conversation, error) {
	closed, err := s.repo.Close(ctx, conv.ID, from, systemNote(conv.ID, content))
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, err
		}
		return nil, s.internal("close conversation", err)
	}

	if err := s.cache.DeleteConversation(ctx, closed.ID); err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", closed.ID).Msg("session cache delete failed")
	}

	s.logger.Info().
		Int64("conversation_id", closed.ID).
		Str("reason", reason).
		Msg("conversation closed")

	s.notifier.PublishConversation(ctx, closed.ID, EventConversationClosed, ClosedPayload{ConversationID: closed.ID, Reason: reason})
	if conv.State == StateWaiting {
		s.broadcastPending(ctx)
	}
	return closed, nil
}

// PostMessage appends a message and fans it out to the conversation.
func (s *Service) PostMessage(ctx context.Context, req PostMessageRequest) (*Message, error) {
	ctx, span := tracer.Start(ctx, "handoff.post_message")
	defer span.End()
	span.SetAttributes(attribute.Int64("labclinic.conversation_id", req.ConversationID))

	content := strings.TrimSpace(req.Content)
	if content == "" || utf8.RuneCountInString(content) > maxMessageLength {
		return nil, ErrInvalidMessage
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidMessage
	}

	conv, err := s.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, s.internal("load conversation", err)
	}
	if !conv.Open() {
		return nil, ErrConversationClosed
	}

	name, err := s.senderName(ctx, conv, req)
	if err != nil {
		return nil, err
	}

	draft := MessageDraft{
		ConversationID: conv.ID,
		Role:           req.Role,
		SenderName:     req.Role.DisplayName(name),
		Content:        content,
	}
	if req.SenderID != "" {
		id := req.SenderID
		draft.SenderID = &id
	}

	msg, err := s.repo.AppendMessage(ctx, draft)
	if err != nil {
		if errors.Is(err, ErrConversationClosed) {
			return nil, err
		}
		return nil, s.internal("append message", err)
	}

	s.notifier.PublishConversation(ctx, conv.ID, EventNewMessage, msg)
	return msg, nil
}

// senderName authorizes the sender against the conversation and returns its
// known name, if any.
func (s *Service) senderName(ctx context.Context, conv *Conversation, req PostMessageRequest) (string, error) {
	switch req.Role {
	case RoleOperator:
		op, err := s.authorizeOperator(ctx, req.SenderID)
		if err != nil {
			return "", err
		}
		if conv.State != StateAssigned || deref(conv.OperatorID) != op.ID {
			return "", ErrNotAuthorized
		}
		return op.Name, nil
	case RoleUser:
		if conv.UserID != nil && req.SenderID != "" && req.SenderID != *conv.UserID {
			return "", ErrNotAuthorized
		}
		if req.SenderID == "" {
			return "", nil
		}
		name, err := s.repo.GetUserName(ctx, req.SenderID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return "", nil
			}
			return "", s.internal("load user", err)
		}
		return name, nil
	default:
		return "", nil
	}
}

// QueuePosition is recomputed on every call; 0 means not waiting.
func (s *Service) QueuePosition(ctx context.Context, conversationID int64) (int, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return 0, err
		}
		return 0, s.internal("load conversation", err)
	}
	pos, err := s.repo.QueuePosition(ctx, conversationID)
	if err != nil {
		return 0, s.internal("queue position", err)
	}
	return pos, nil
}

// PendingConversations lists the queue in FIFO order.
func (s *Service) PendingConversations(ctx context.Context) ([]PendingConversation, error) {
	waiting, err := s.repo.ListWaiting(ctx)
	if err != nil {
		return nil, s.internal("list waiting", err)
	}
	s.metrics.SetQueueDepth(len(waiting))

	result := make([]PendingConversation, 0, len(waiting))
	for i, c := range waiting {
		result = append(result, PendingConversation{Conversation: c, Position: i + 1})
	}
	return result, nil
}

// AssignedConversations lists the conversations operatorID is attending, so a
// reconnecting console can resubscribe to them.
func (s *Service) AssignedConversations(ctx context.Context, operatorID string) ([]Conversation, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, ErrNotAuthorized
	}
	assigned, err := s.repo.ListAssignedTo(ctx, operatorID)
	if err != nil {
		return nil, s.internal("list assigned", err)
	}
	return assigned, nil
}

func (s *Service) History(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, s.internal("load conversation", err)
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, s.internal("list messages", err)
	}
	return msgs, nil
}

// RestoreSession rebinds a reconnecting session to its open conversation.
func (s *Service) RestoreSession(ctx context.Context, sessionID string) (*Conversation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	conv, err := s.findReusable(ctx, sessionID, "")
	if err != nil {
		return nil, s.internal("restore session", err)
	}
	if conv == nil {
		_ = s.cache.Delete(ctx, sessionID)
		return nil, ErrNoActiveHandoff
	}

	mode := ModeHandoff
	if conv.State == StateActive {
		mode = ModeBot
	}
	s.bind(ctx, SessionBinding{SessionID: sessionID, ConversationID: conv.ID, UserID: deref(conv.UserID), Mode: mode})
	return conv, nil
}

// SweepIdle closes unattended conversations with no activity for olderThan.
// Assigned conversations are left to their operator.
func (s *Service) SweepIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "handoff.sweep_idle")
	defer span.End()

	idle, err := s.repo.ListIdle(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, s.internal("list idle", err)
	}

	closed := 0
	for i := range idle {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		c := idle[i]
		_, err := s.close(ctx, &c, []State{StateActive, StateWaiting}, "Conversation closed after a period of inactivity.", "idle")
		if err != nil {
			if errors.Is(err, ErrStateConflict) {
				continue
			}
			return closed, err
		}
		closed++
	}

	span.SetAttributes(attribute.Int("labclinic.closed", closed))
	return closed, nil
}

func (s *Service) authorizeOperator(ctx context.Context, operatorID string) (*Operator, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, ErrNotAuthorized
	}
	op, err := s.repo.GetOperator(ctx, operatorID)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, s.internal("load operator", err)
	}
	if !op.Active {
		return nil, ErrNotAuthorized
	}
	return op, nil
}

func (s *Service) broadcastPending(ctx context.Context) {
	pending, err := s.PendingConversations(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("pending snapshot failed")
		return
	}
	s.notifier.PublishOperators(ctx, EventPendingConversations, pending)
}

func (s *Service) bind(ctx context.Context, b SessionBinding) {
	b.UpdatedAt = s.now()
	if err := s.cache.Set(ctx, b); err != nil {
		s.logger.Warn().Err(err).Str("session_id", b.SessionID).Msg("session cache write failed")
	}
}

func (s *Service) internal(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("handoff operation failed")
	return fmt.Errorf("%s: %w", op, ErrInternal)
}

func systemNote(conversationID int64, content string) MessageDraft {
	return MessageDraft{
		ConversationID: conversationID,
		Role:           RoleSystem,
		SenderName:     RoleSystem.DisplayName(""),
		Content:        content,
	}
}

func handoffNote(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "Patient asked to talk to an operator."
	}
	return "Patient asked to talk to an operator: " + reason
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
