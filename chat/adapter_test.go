package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type emitted struct {
	event   string
	payload any
}

type fakeConn struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string][]func(json.RawMessage)
	err      error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string][]func(json.RawMessage){}}
}

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.emits = append(c.emits, emitted{event: event, payload: payload})
	return nil
}

func (c *fakeConn) On(event string, h func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeConn) deliver(event string, data string) {
	c.mu.Lock()
	hs := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func (c *fakeConn) sent(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type memPage struct {
	mu        sync.Mutex
	values    map[string]string
	defaults  map[string]string
	fragments []Fragment
	scrollTop int
	resets    int
}

func newMemPage(room string) *memPage {
	return &memPage{
		values:   map[string]string{ElemRoomID: room},
		defaults: map[string]string{},
	}
}

func (p *memPage) Value(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[id]
}

func (p *memPage) set(id, v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[id] = v
}

func (p *memPage) ResetForm(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	for _, id := range []string{ElemChatUser, ElemChatMessage} {
		p.values[id] = p.defaults[id]
	}
}

func (p *memPage) Append(_ string, f Fragment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragments = append(p.fragments, f)
}

func (p *memPage) ScrollToBottom(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollTop = len(p.fragments)
}

func (p *memPage) snapshot() ([]Fragment, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fragment(nil), p.fragments...), p.scrollTop
}

type memHistory struct {
	byRoom map[string][]ChatMessage
}

func (h *memHistory) Append(room string, m ChatMessage) error {
	if h.byRoom == nil {
		h.byRoom = map[string][]ChatMessage{}
	}
	h.byRoom[room] = append(h.byRoom[room], m)
	return nil
}

func (h *memHistory) Recent(room string, limit int) ([]ChatMessage, error) {
	msgs := h.byRoom[room]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func TestLoadJoinsRoom(t *testing.T) {
	conn := newFakeConn()
	a := NewAdapter(conn, newMemPage("room42"))

	require.NoError(t, a.Load())
	require.Equal(t, []any{JoinRequest{Room: "room42"}}, conn.sent(EventJoin))
	require.Len(t, conn.handlers[EventRenderMessage], 1)
	require.Equal(t, "room42", a.Room())
}

func TestLoadWithoutRoom(t *testing.T) {
	conn := newFakeConn()
	a := NewAdapter(conn, newMemPage(""))

	require.ErrorIs(t, a.Load(), ErrNoRoom)
	require.Empty(t, conn.sent(EventJoin))
}

func TestLoadReplaysHistory(t *testing.T) {
	hist := &memHistory{}
	require.NoError(t, hist.Append("lobby", ChatMessage{Username: "a", Message: "1"}))
	require.NoError(t, hist.Append("lobby", ChatMessage{Username: "b", Message: "2"}))
	require.NoError(t, hist.Append("lobby", ChatMessage{Username: "c", Message: "3"}))
	require.NoError(t, hist.Append("other", ChatMessage{Username: "x", Message: "y"}))

	page := newMemPage("lobby")
	conn := newFakeConn()
	a := NewAdapter(conn, page, WithHistory(hist, 2))
	require.NoError(t, a.Load())

	frags, top := page.snapshot()
	require.Equal(t, []Fragment{NewFragment("b", "2"), NewFragment("c", "3")}, frags)
	require.Equal(t, 2, top)
	require.Len(t, conn.sent(EventJoin), 1)
}

func TestHandleRenderMessage(t *testing.T) {
	page := newMemPage("r")
	a := NewAdapter(newFakeConn(), page)

	require.True(t, a.HandleRenderMessage(NewRenderableMessage("alice", "hi")))

	frags, top := page.snapshot()
	require.Len(t, frags, 1)
	require.Equal(t, "alice: hi", frags[0].Text())
	require.Equal(t, len(frags), top)
}

func TestHandleRenderMessageDropsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  RenderableMessage
	}{
		{name: "undefined username", msg: RenderableMessage{Message: "hi"}},
		{name: "empty message", msg: NewRenderableMessage("alice", "")},
		{name: "both missing", msg: RenderableMessage{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newMemPage("r")
			hist := &memHistory{}
			a := NewAdapter(newFakeConn(), page, WithHistory(hist, 10))

			require.False(t, a.HandleRenderMessage(tt.msg))
			frags, top := page.snapshot()
			require.Empty(t, frags)
			require.Zero(t, top)
			require.Empty(t, hist.byRoom)
		})
	}
}

func TestHandleRenderMessageEmptyUsernameIsDefined(t *testing.T) {
	page := newMemPage("r")
	a := NewAdapter(newFakeConn(), page)

	require.True(t, a.HandleRenderMessage(NewRenderableMessage("", "hi")))
	frags, _ := page.snapshot()
	require.Equal(t, ": hi", frags[0].Text())
}

func TestHandleRenderMessageRecordsHistory(t *testing.T) {
	hist := &memHistory{}
	a := NewAdapter(newFakeConn(), newMemPage("lobby"), WithHistory(hist, 10))
	require.NoError(t, a.Load())

	a.HandleRenderMessage(NewRenderableMessage("[SYSTEM]", "bob has connected."))
	require.Equal(t, []ChatMessage{{Username: "[SYSTEM]", Message: "bob has connected."}}, hist.byRoom["lobby"])
}

func TestHandleChatMessage(t *testing.T) {
	page := newMemPage("r")
	page.set(ElemChatUser, "bob")
	page.set(ElemChatMessage, "yo")
	conn := newFakeConn()
	a := NewAdapter(conn, page)

	evt := &SubmitEvent{Source: ElemChatForm}
	require.NoError(t, a.HandleChatMessage(evt))

	require.True(t, evt.DefaultPrevented())
	require.Equal(t, []any{ChatMessage{Username: "bob", Message: "yo"}}, conn.sent(EventSendChat))
	require.Equal(t, 1, page.resets)
	require.Empty(t, page.Value(ElemChatUser))
	require.Empty(t, page.Value(ElemChatMessage))
}

func TestHandleChatMessageRejectsEmptyFields(t *testing.T) {
	tests := []struct {
		name     string
		username string
		message  string
	}{
		{name: "empty username", username: "", message: "hello"},
		{name: "empty message", username: "bob", message: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newMemPage("r")
			page.set(ElemChatUser, tt.username)
			page.set(ElemChatMessage, tt.message)
			conn := newFakeConn()
			a := NewAdapter(conn, page)

			evt := &SubmitEvent{Source: ElemChatSubmit}
			require.NoError(t, a.HandleChatMessage(evt))
			require.True(t, evt.DefaultPrevented())
			require.Empty(t, conn.sent(EventSendChat))
			require.Zero(t, page.resets)
			require.Equal(t, tt.message, page.Value(ElemChatMessage))
		})
	}
}

func TestHandleChatMessageKeepsFormOnEmitError(t *testing.T) {
	page := newMemPage("r")
	page.set(ElemChatUser, "bob")
	page.set(ElemChatMessage, "yo")
	conn := newFakeConn()
	conn.err = errors.New("socket gone")
	a := NewAdapter(conn, page)

	err := a.HandleChatMessage(&SubmitEvent{})
	require.ErrorIs(t, err, conn.err)
	require.Zero(t, page.resets)
	require.Equal(t, "yo", page.Value(ElemChatMessage))
}

func TestRunDeliversInboundAndSubmit(t *testing.T) {
	page := newMemPage("r")
	conn := newFakeConn()
	a := NewAdapter(conn, page)
	require.NoError(t, a.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	conn.deliver(EventRenderMessage, `{"username":"alice","message":"hi"}`)
	conn.deliver(EventRenderMessage, `{"message":"no user"}`)
	conn.deliver(EventRenderMessage, `not json`)

	require.NoError(t, a.Dispatch(func() {
		page.set(ElemChatUser, "bob")
		page.set(ElemChatMessage, "yo")
	}))
	require.NoError(t, a.Submit(&SubmitEvent{Source: ElemChatForm}))

	require.Eventually(t, func() bool {
		return len(conn.sent(EventSendChat)) == 1
	}, time.Second, 5*time.Millisecond)

	frags, _ := page.snapshot()
	require.Equal(t, []Fragment{NewFragment("alice", "hi")}, frags)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ErrorIs(t, a.Dispatch(func() {}), ErrLoopClosed)
}

func TestCloseStopsRun(t *testing.T) {
	a := NewAdapter(newFakeConn(), newMemPage("r"))
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	a.Close()
	a.Close()
	require.NoError(t, <-done)
}

func TestFlushWaitsForQueuedEvents(t *testing.T) {
	page := newMemPage("r")
	conn := newFakeConn()
	a := NewAdapter(conn, page)

	// Queue before the loop runs so nothing is handled yet.
	require.NoError(t, a.Dispatch(func() {
		page.set(ElemChatUser, "bob")
		page.set(ElemChatMessage, "last words")
	}))
	require.NoError(t, a.Submit(&SubmitEvent{Source: ElemChatForm}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	require.NoError(t, a.Flush(ctx))
	require.Equal(t, []any{ChatMessage{Username: "bob", Message: "last words"}}, conn.sent(EventSendChat))
}

func TestFlushAfterClose(t *testing.T) {
	a := NewAdapter(newFakeConn(), newMemPage("r"))
	a.Close()
	require.ErrorIs(t, a.Flush(context.Background()), ErrLoopClosed)
}
