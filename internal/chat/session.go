package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/protocol"
)

// ErrStreamInFlight is returned by SendMessage while a previous turn is
// still streaming. Sessions serialize turns; callers wait or stop the
// current generation first.
var ErrStreamInFlight = errors.New("a chat turn is already in flight")

// Streamer opens one streaming chat turn. Implemented by *api.Client.
type Streamer interface {
	Chat(ctx context.Context, request api.ChatRequest) iter.Seq2[protocol.Event, error]
}

// SnapshotStore persists serialized transcripts keyed by conversation.
// Implemented by store.Repository.
type SnapshotStore interface {
	GetChatSnapshot(ctx context.Context, conversationID string) ([]byte, error)
	PutChatSnapshot(ctx context.Context, conversationID string, transcript []byte) error
}

// Session owns one conversation transcript and drives streaming turns
// against the server. All mutation happens inside the session; external
// consumers only ever see deep-copied snapshots.
type Session struct {
	streamer  Streamer
	snapshots SnapshotStore
	logger    *slog.Logger

	conversationID string
	subscriber     func([]Message)
	onError        func(error)

	mu        sync.Mutex
	messages  []*Message
	streaming bool
	cancel    context.CancelFunc

	// Subscriber deliveries run outside mu; pubMu serializes them and
	// the sequence numbers drop snapshots overtaken by a newer one.
	pubMu        sync.Mutex
	pubSeq       uint64
	pubDelivered uint64

	// Per-turn fold state, reset at the start of each turn. Text buffers
	// are kept per block in start order; message content is their
	// concatenation.
	textOrder   []string
	textBuffers map[string]string
	seenBlocks  map[string]bool
}

// SessionConfig wires a Session's collaborators.
type SessionConfig struct {
	Streamer       Streamer
	Snapshots      SnapshotStore
	ConversationID string
	// Subscriber receives a read-only transcript snapshot after every
	// mutation. It is called without the session lock held, so it may
	// call back into the session (StopGeneration, Messages). Optional.
	Subscriber func([]Message)
	// OnError receives transport and server errors from in-flight turns
	// (never cancellations). Optional.
	OnError func(error)
	Logger  *slog.Logger
}

// NewSession creates a session. Call Restore before the first
// SendMessage to recover a persisted transcript.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Streamer == nil {
		return nil, errors.New("chat: streamer is required")
	}
	if cfg.ConversationID == "" {
		return nil, errors.New("chat: conversation id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		streamer:       cfg.Streamer,
		snapshots:      cfg.Snapshots,
		conversationID: cfg.ConversationID,
		subscriber:     cfg.Subscriber,
		onError:        cfg.OnError,
		logger:         logger,
	}, nil
}

// Messages returns a deep-copied snapshot of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsStreaming reports whether a turn is in flight.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Restore loads the persisted transcript for this conversation. A
// message left streaming by a crash is finalized with its partial
// content.
func (s *Session) Restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	raw, err := s.snapshots.GetChatSnapshot(ctx, s.conversationID)
	if err != nil {
		return fmt.Errorf("load chat snapshot: %w", err)
	}
	if raw == nil {
		return nil
	}

	var restored []*Message
	if err := json.Unmarshal(raw, &restored); err != nil {
		return fmt.Errorf("decode chat snapshot: %w", err)
	}

	s.mu.Lock()
	for _, message := range restored {
		message.IsStreaming = false
	}
	s.messages = restored
	deliver := s.stageLocked()
	s.mu.Unlock()
	deliver()
	return nil
}

// ClearMessages empties the transcript. No-op while a turn is in flight.
func (s *Session) ClearMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrStreamInFlight
	}
	s.messages = nil
	deliver := s.stageLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
	deliver()
	return nil
}

// SendMessage appends a user message and starts streaming the
// assistant's reply. It returns immediately; the reply arrives through
// the subscriber. At most one turn per session may be in flight.
func (s *Session) SendMessage(ctx context.Context, content string, chatContext *api.ChatContext) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrStreamInFlight
	}

	now := time.Now()
	userMessage := &Message{
		ID:        "user_" + uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	assistantMessage := &Message{
		ID:          "assistant_" + uuid.NewString(),
		Role:        RoleAssistant,
		CreatedAt:   now,
		IsStreaming: true,
	}
	s.messages = append(s.messages, userMessage, assistantMessage)

	request := api.ChatRequest{
		Context: chatContext,
		Options: api.ChatOptions{ShowThinking: true, Stream: true},
	}
	for _, message := range s.messages {
		if message.ID == assistantMessage.ID {
			continue
		}
		request.Messages = append(request.Messages, api.ChatMessage{
			Role:      string(message.Role),
			Content:   message.Content,
			Timestamp: message.CreatedAt,
		})
	}

	s.streaming = true
	s.resetFoldStateLocked()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	deliver := s.stageLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
	deliver()

	go s.runTurn(streamCtx, request, assistantMessage.ID)
	return nil
}

// StopGeneration cancels the in-flight turn. The assistant message is
// finalized with whatever content has accumulated.
func (s *Session) StopGeneration() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runTurn consumes the event stream for one assistant turn.
func (s *Session) runTurn(ctx context.Context, request api.ChatRequest, assistantID string) {
	for event, err := range s.streamer.Chat(ctx, request) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// User-initiated stop: keep the partial answer.
				s.logger.Info("chat turn stopped by user", "message_id", assistantID)
				s.finalizeTurn(ctx, assistantID)
			} else {
				// Transport failure: a half-formed answer must not pose as a
				// complete one.
				s.logger.Error("chat stream failed", "message_id", assistantID, "error", err)
				s.discardTurn(ctx, assistantID)
				if s.onError != nil {
					s.onError(err)
				}
			}
			return
		}
		if done := s.applyEvent(ctx, assistantID, event); done {
			return
		}
	}
	// Stream ended without message-end; finalize with what we have.
	s.finalizeTurn(ctx, assistantID)
}

// applyEvent folds one protocol event into the open assistant message.
// Returns true when the turn is finished.
func (s *Session) applyEvent(ctx context.Context, assistantID string, event protocol.Event) bool {
	s.mu.Lock()

	message := s.findLocked(assistantID)
	if message == nil || !message.IsStreaming {
		s.mu.Unlock()
		return true
	}

	done := false
	switch event.Kind {
	case protocol.KindMessageStart:
		// Informational; the shell already exists.

	case protocol.KindReasoningStart:
		if s.openBlockLocked(event.BlockID) {
			message.ReasoningBlocks = append(message.ReasoningBlocks, ReasoningBlock{ID: event.BlockID})
		}

	case protocol.KindReasoningDelta:
		if block := s.reasoningLocked(message, event.BlockID); block != nil {
			block.Content += event.Delta
		}

	case protocol.KindReasoningEnd:
		// End content is authoritative: overwrite, never append, so a
		// dropped delta cannot leave the block permanently skewed.
		if block := s.reasoningLocked(message, event.BlockID); block != nil {
			block.Content = event.Content
		}

	case protocol.KindTextStart:
		if s.openBlockLocked(event.BlockID) {
			s.textOrder = append(s.textOrder, event.BlockID)
			s.textBuffers[event.BlockID] = ""
		}

	case protocol.KindTextDelta:
		if s.knownTextBlockLocked(event.BlockID) {
			s.textBuffers[event.BlockID] += event.Delta
			message.Content = s.joinTextLocked()
		}

	case protocol.KindTextEnd:
		if s.knownTextBlockLocked(event.BlockID) {
			s.textBuffers[event.BlockID] = event.Content
			message.Content = s.joinTextLocked()
		}

	case protocol.KindToolCallStart:
		if s.openBlockLocked(event.BlockID) {
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:        event.BlockID,
				Name:      event.Name,
				Arguments: decodeArguments(event.Arguments),
				Status:    protocol.ToolPending,
			})
		}

	case protocol.KindToolCallDelta:
		if call := s.toolCallLocked(message, event.BlockID); call != nil {
			if advancesToolStatus(call.Status, event.Status) {
				call.Status = event.Status
			}
			if event.Progress != nil {
				call.Progress = event.Progress
			}
		}

	case protocol.KindToolCallResult:
		if call := s.toolCallLocked(message, event.BlockID); call != nil && !isTerminalToolStatus(call.Status) {
			if event.IsError {
				call.Status = protocol.ToolError
				call.ErrorMessage = event.Content
			} else {
				call.Status = protocol.ToolSuccess
			}
			call.Result = event.Content
		}

	case protocol.KindError:
		message.Content = "Error: " + event.Content
		s.finalizeLocked(message)
		done = true
		if s.onError != nil {
			err := fmt.Errorf("chat server error: %s", event.Content)
			go s.onError(err)
		}

	case protocol.KindMessageEnd:
		s.finalizeLocked(message)
		done = true
	}

	deliver := s.stageLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
	deliver()
	return done
}

// finalizeTurn closes the assistant message in place, keeping content.
func (s *Session) finalizeTurn(ctx context.Context, assistantID string) {
	s.mu.Lock()
	message := s.findLocked(assistantID)
	if message == nil || !message.IsStreaming {
		s.mu.Unlock()
		return
	}
	s.finalizeLocked(message)
	deliver := s.stageLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
	deliver()
}

// discardTurn removes the incomplete assistant message from the
// transcript entirely.
func (s *Session) discardTurn(ctx context.Context, assistantID string) {
	s.mu.Lock()

	kept := s.messages[:0]
	for _, message := range s.messages {
		if message.ID != assistantID {
			kept = append(kept, message)
		}
	}
	s.messages = kept
	s.streaming = false
	s.cancel = nil
	deliver := s.stageLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
	deliver()
}

// --- locked helpers ---

func (s *Session) finalizeLocked(message *Message) {
	message.IsStreaming = false
	s.streaming = false
	s.cancel = nil
}

func (s *Session) findLocked(id string) *Message {
	for _, message := range s.messages {
		if message.ID == id {
			return message
		}
	}
	return nil
}

func (s *Session) resetFoldStateLocked() {
	s.textOrder = nil
	s.textBuffers = make(map[string]string)
	s.seenBlocks = make(map[string]bool)
}

// openBlockLocked registers a new block id. Duplicate starts for the
// same id are dropped.
func (s *Session) openBlockLocked(blockID string) bool {
	if blockID == "" || s.seenBlocks[blockID] {
		s.logger.Warn("dropping duplicate or empty block start", "block_id", blockID)
		return false
	}
	s.seenBlocks[blockID] = true
	return true
}

// knownTextBlockLocked rejects delta/end events whose block id never
// had a start.
func (s *Session) knownTextBlockLocked(blockID string) bool {
	if _, ok := s.textBuffers[blockID]; !ok {
		s.logger.Warn("dropping event for unknown text block", "block_id", blockID)
		return false
	}
	return true
}

func (s *Session) reasoningLocked(message *Message, blockID string) *ReasoningBlock {
	for i := range message.ReasoningBlocks {
		if message.ReasoningBlocks[i].ID == blockID {
			return &message.ReasoningBlocks[i]
		}
	}
	s.logger.Warn("dropping event for unknown reasoning block", "block_id", blockID)
	return nil
}

func (s *Session) toolCallLocked(message *Message, blockID string) *ToolCall {
	for i := range message.ToolCalls {
		if message.ToolCalls[i].ID == blockID {
			return &message.ToolCalls[i]
		}
	}
	s.logger.Warn("dropping event for unknown tool call", "block_id", blockID)
	return nil
}

func (s *Session) joinTextLocked() string {
	var content string
	for _, blockID := range s.textOrder {
		content += s.textBuffers[blockID]
	}
	return content
}

func (s *Session) snapshotLocked() []Message {
	snapshot := make([]Message, len(s.messages))
	for i, message := range s.messages {
		snapshot[i] = message.clone()
	}
	return snapshot
}

// stageLocked captures a snapshot for the subscriber while mu is held
// and returns the delivery to run after mu is released. Deliveries are
// serialized under pubMu; a snapshot that another goroutine has already
// superseded is dropped so the subscriber never sees state move
// backwards.
func (s *Session) stageLocked() func() {
	if s.subscriber == nil {
		return func() {}
	}
	s.pubSeq++
	seq := s.pubSeq
	snapshot := s.snapshotLocked()
	return func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		if seq <= s.pubDelivered {
			return
		}
		s.pubDelivered = seq
		s.subscriber(snapshot)
	}
}

func (s *Session) persistLocked(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	raw, err := json.Marshal(s.messages)
	if err != nil {
		s.logger.Error("failed to encode chat snapshot", "error", err)
		return
	}
	if err := s.snapshots.PutChatSnapshot(ctx, s.conversationID, raw); err != nil {
		s.logger.Warn("failed to persist chat snapshot", "error", err)
	}
}

// --- tool status ordering ---

var toolStatusRank = map[protocol.ToolStatus]int{
	protocol.ToolPending: 0,
	protocol.ToolRunning: 1,
	protocol.ToolSuccess: 2,
	protocol.ToolError:   2,
}

// advancesToolStatus enforces forward-only transitions; duplicate or
// out-of-order status reports are no-ops.
func advancesToolStatus(from, to protocol.ToolStatus) bool {
	toRank, ok := toolStatusRank[to]
	if !ok {
		return false
	}
	return toRank > toolStatusRank[from]
}

func isTerminalToolStatus(status protocol.ToolStatus) bool {
	return status == protocol.ToolSuccess || status == protocol.ToolError
}
