package chat

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/protocol"
)

// scriptedStreamer replays a fixed event script. With block set it
// holds the stream open after the script until the context is
// cancelled, then yields the context error.
type scriptedStreamer struct {
	events []protocol.Event
	err    error
	block  bool
}

func (f *scriptedStreamer) Chat(ctx context.Context, _ api.ChatRequest) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		for _, event := range f.events {
			if !yield(event, nil) {
				return
			}
		}
		if f.block {
			<-ctx.Done()
			yield(protocol.Event{}, ctx.Err())
			return
		}
		if f.err != nil {
			yield(protocol.Event{}, f.err)
		}
	}
}

type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[string][]byte)}
}

func (m *memorySnapshots) GetChatSnapshot(_ context.Context, conversationID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[conversationID], nil
}

func (m *memorySnapshots) PutChatSnapshot(_ context.Context, conversationID string, transcript []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[conversationID] = transcript
	return nil
}

func newTestSession(t *testing.T, streamer Streamer) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		Streamer:       streamer,
		Snapshots:      newMemorySnapshots(),
		ConversationID: "conv-test",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

func waitIdle(t *testing.T, session *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !session.IsStreaming() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session never finished streaming")
}

func lastMessage(t *testing.T, session *Session) Message {
	t.Helper()
	messages := session.Messages()
	if len(messages) == 0 {
		t.Fatal("transcript is empty")
	}
	return messages[len(messages)-1]
}

func seq() func() string {
	n := 0
	return func() string {
		n++
		return string(rune('a' + n - 1))
	}
}

func TestSendMessageFullTurn(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindMessageStart},
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "Hi"},
		{ID: id(), Kind: protocol.KindTextEnd, BlockID: "t1", Content: "Hi there"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != RoleUser || messages[0].Content != "hello" {
		t.Errorf("user message = %+v", messages[0])
	}
	assistant := messages[1]
	if assistant.Role != RoleAssistant {
		t.Errorf("role = %q, want assistant", assistant.Role)
	}
	if assistant.Content != "Hi there" {
		t.Errorf("content = %q, want %q", assistant.Content, "Hi there")
	}
	if assistant.IsStreaming {
		t.Error("assistant message still marked streaming")
	}
	if len(assistant.ReasoningBlocks) != 0 || len(assistant.ToolCalls) != 0 {
		t.Errorf("unexpected blocks: %+v", assistant)
	}
}

func TestTextEndOverwritesAccumulatedDeltas(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "ab"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "c"},
		{ID: id(), Kind: protocol.KindTextEnd, BlockID: "t1", Content: "xyz"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	if got := lastMessage(t, session).Content; got != "xyz" {
		t.Errorf("content = %q, want %q", got, "xyz")
	}
}

func TestMultipleTextBlocksConcatenateInOrder(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "first. "},
		{ID: id(), Kind: protocol.KindTextEnd, BlockID: "t1", Content: "first. "},
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t2"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t2", Delta: "second"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	if got := lastMessage(t, session).Content; got != "first. second" {
		t.Errorf("content = %q, want %q", got, "first. second")
	}
}

func TestReasoningBlockFolding(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindReasoningStart, BlockID: "r1"},
		{ID: id(), Kind: protocol.KindReasoningDelta, BlockID: "r1", Delta: "thinking"},
		{ID: id(), Kind: protocol.KindReasoningDelta, BlockID: "r1", Delta: " hard"},
		{ID: id(), Kind: protocol.KindReasoningEnd, BlockID: "r1", Content: "thought it through"},
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "answer"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if len(assistant.ReasoningBlocks) != 1 {
		t.Fatalf("got %d reasoning blocks, want 1", len(assistant.ReasoningBlocks))
	}
	if got := assistant.ReasoningBlocks[0].Content; got != "thought it through" {
		t.Errorf("reasoning content = %q, end event must overwrite deltas", got)
	}
	if assistant.Content != "answer" {
		t.Errorf("content = %q, want %q", assistant.Content, "answer")
	}
}

func TestToolStatusForwardOnlyAndIdempotent(t *testing.T) {
	t.Parallel()
	id := seq()
	args := json.RawMessage(`{"query":"golang"}`)
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindToolCallStart, BlockID: "c1", Name: "search_jobs", Arguments: args},
		{ID: id(), Kind: protocol.KindToolCallDelta, BlockID: "c1", Status: protocol.ToolRunning},
		{ID: id(), Kind: protocol.KindToolCallResult, BlockID: "c1", Content: "3 matches"},
		// Late reports after the terminal result must not change anything.
		{ID: id(), Kind: protocol.KindToolCallDelta, BlockID: "c1", Status: protocol.ToolRunning},
		{ID: id(), Kind: protocol.KindToolCallResult, BlockID: "c1", Content: "stale", IsError: true},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(assistant.ToolCalls))
	}
	call := assistant.ToolCalls[0]
	if call.Status != protocol.ToolSuccess {
		t.Errorf("status = %q, want success", call.Status)
	}
	if call.Result != "3 matches" {
		t.Errorf("result = %q, want %q", call.Result, "3 matches")
	}
	if call.Name != "search_jobs" {
		t.Errorf("name = %q", call.Name)
	}
	if got := call.Arguments["query"]; got != "golang" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestToolErrorResult(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindToolCallStart, BlockID: "c1", Name: "tailor_resume"},
		{ID: id(), Kind: protocol.KindToolCallResult, BlockID: "c1", Content: "resume not found", IsError: true},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	call := lastMessage(t, session).ToolCalls[0]
	if call.Status != protocol.ToolError {
		t.Errorf("status = %q, want error", call.Status)
	}
	if call.ErrorMessage != "resume not found" {
		t.Errorf("error message = %q", call.ErrorMessage)
	}
}

func TestEventsForUnknownBlocksAreDropped(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "ghost", Delta: "should not appear"},
		{ID: id(), Kind: protocol.KindToolCallDelta, BlockID: "ghost", Status: protocol.ToolRunning},
		{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "kept"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if assistant.Content != "kept" {
		t.Errorf("content = %q, want %q", assistant.Content, "kept")
	}
	if len(assistant.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", assistant.ToolCalls)
	}
}

func TestSecondSendWhileStreamingIsRejected(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{
		events: []protocol.Event{
			{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
			{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "partial"},
		},
		block: true,
	}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "first", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := session.SendMessage(context.Background(), "second", nil); !errors.Is(err, ErrStreamInFlight) {
		t.Errorf("second SendMessage error = %v, want ErrStreamInFlight", err)
	}

	session.StopGeneration()
	waitIdle(t, session)
}

func TestStopGenerationKeepsPartialContent(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{
		events: []protocol.Event{
			{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
			{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "Hello"},
		},
		block: true,
	}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// Let the deltas land before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lastMessage(t, session).Content == "Hello" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	session.StopGeneration()
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if assistant.Content != "Hello" {
		t.Errorf("content = %q, want partial %q preserved", assistant.Content, "Hello")
	}
	if assistant.IsStreaming {
		t.Error("stopped message still marked streaming")
	}
	if len(session.Messages()) != 2 {
		t.Errorf("got %d messages, want user + finalized assistant", len(session.Messages()))
	}
}

func TestTransportErrorDiscardsIncompleteMessage(t *testing.T) {
	t.Parallel()
	id := seq()
	var gotErr error
	var errMu sync.Mutex
	streamer := &scriptedStreamer{
		events: []protocol.Event{
			{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
			{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "half an ans"},
		},
		err: errors.New("connection reset"),
	}
	session, err := NewSession(SessionConfig{
		Streamer:       streamer,
		ConversationID: "conv-test",
		OnError: func(err error) {
			errMu.Lock()
			gotErr = err
			errMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	messages := session.Messages()
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want only the user message", len(messages))
	}
	if messages[0].Role != RoleUser {
		t.Errorf("surviving message role = %q", messages[0].Role)
	}
	errMu.Lock()
	defer errMu.Unlock()
	if gotErr == nil {
		t.Error("OnError was not called for transport failure")
	}
}

func TestServerErrorEventFinalizesWithErrorContent(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindMessageStart},
		{ID: id(), Kind: protocol.KindError, Content: "model overloaded", Code: "overloaded"},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if assistant.Content != "Error: model overloaded" {
		t.Errorf("content = %q", assistant.Content)
	}
	if assistant.IsStreaming {
		t.Error("errored message still marked streaming")
	}
}

func TestRestoreFinalizesStaleStreamingMessage(t *testing.T) {
	t.Parallel()
	snapshots := newMemorySnapshots()
	stale := []*Message{
		{ID: "u1", Role: RoleUser, Content: "hi"},
		{ID: "a1", Role: RoleAssistant, Content: "interrupted mid", IsStreaming: true},
	}
	raw, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := snapshots.PutChatSnapshot(context.Background(), "conv-test", raw); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	session, err := NewSession(SessionConfig{
		Streamer:       &scriptedStreamer{},
		Snapshots:      snapshots,
		ConversationID: "conv-test",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[1].IsStreaming {
		t.Error("restored message still marked streaming")
	}
	if messages[1].Content != "interrupted mid" {
		t.Errorf("content = %q, partial content must survive restore", messages[1].Content)
	}
}

func TestTranscriptPersistsAcrossSessions(t *testing.T) {
	t.Parallel()
	id := seq()
	snapshots := newMemorySnapshots()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextEnd, BlockID: "t1", Content: "persisted answer"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	first, err := NewSession(SessionConfig{
		Streamer:       streamer,
		Snapshots:      snapshots,
		ConversationID: "conv-persist",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := first.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, first)

	second, err := NewSession(SessionConfig{
		Streamer:       &scriptedStreamer{},
		Snapshots:      snapshots,
		ConversationID: "conv-persist",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	messages := second.Messages()
	if len(messages) != 2 || messages[1].Content != "persisted answer" {
		t.Errorf("restored transcript = %+v", messages)
	}
}

func TestClearMessages(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
		{ID: id(), Kind: protocol.KindTextEnd, BlockID: "t1", Content: "hi"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	if err := session.ClearMessages(context.Background()); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	if got := session.Messages(); len(got) != 0 {
		t.Errorf("transcript not empty after clear: %+v", got)
	}
}

func TestSubscriberMayCallBackIntoSession(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{
		events: []protocol.Event{
			{ID: id(), Kind: protocol.KindTextStart, BlockID: "t1"},
			{ID: id(), Kind: protocol.KindTextDelta, BlockID: "t1", Delta: "Hello"},
		},
		block: true,
	}

	var session *Session
	stopped := false
	subscriber := func(messages []Message) {
		// Reads and cancellation from inside the callback must not
		// deadlock against the session's own lock.
		_ = session.Messages()
		if len(messages) == 0 || stopped {
			return
		}
		last := messages[len(messages)-1]
		if last.Role == RoleAssistant && last.Content == "Hello" {
			stopped = true
			session.StopGeneration()
		}
	}

	session, err := NewSession(SessionConfig{
		Streamer:       streamer,
		Snapshots:      newMemorySnapshots(),
		ConversationID: "conv-test",
		Subscriber:     subscriber,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	assistant := lastMessage(t, session)
	if assistant.Content != "Hello" {
		t.Errorf("content = %q, want partial %q preserved after callback stop", assistant.Content, "Hello")
	}
	if assistant.IsStreaming {
		t.Error("message still marked streaming after callback stop")
	}
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	t.Parallel()
	id := seq()
	streamer := &scriptedStreamer{events: []protocol.Event{
		{ID: id(), Kind: protocol.KindToolCallStart, BlockID: "c1", Name: "search_jobs"},
		{ID: id(), Kind: protocol.KindToolCallResult, BlockID: "c1", Content: "done"},
		{ID: id(), Kind: protocol.KindMessageEnd},
	}}
	session := newTestSession(t, streamer)

	if err := session.SendMessage(context.Background(), "q", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, session)

	snapshot := session.Messages()
	snapshot[1].ToolCalls[0].Result = "tampered"
	snapshot[1].Content = "tampered"

	fresh := lastMessage(t, session)
	if fresh.ToolCalls[0].Result != "done" || fresh.Content == "tampered" {
		t.Error("mutating a snapshot leaked into the session transcript")
	}
}
