package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrLoopClosed = errors.New("chat: event loop closed")
	ErrNoRoom     = errors.New("chat: room id is empty")
)

const defaultQueueSize = 256

// Conn is the real-time connection the adapter talks through. The adapter
// does not own its lifecycle; callers close it.
type Conn interface {
	Emit(event string, payload any) error
	On(event string, handler func(data json.RawMessage))
}

// History keeps rendered messages per room so a page can be repopulated.
type History interface {
	Append(room string, msg ChatMessage) error
	Recent(room string, limit int) ([]ChatMessage, error)
}

// Adapter wires page events to transport emissions and inbound transport
// events to page updates. Handlers run one at a time on the loop started by
// Run; Load is called once before Run.
type Adapter struct {
	conn Conn
	page Page

	history      History
	historyLimit int

	room string

	tasks     chan func()
	closing   chan struct{}
	closeOnce sync.Once
}

type Option func(*Adapter)

// WithHistory records every rendered message and replays up to limit
// messages of the room on Load.
func WithHistory(h History, limit int) Option {
	return func(a *Adapter) {
		a.history = h
		a.historyLimit = limit
	}
}

// WithQueueSize sets how many pending events the loop buffers.
func WithQueueSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.tasks = make(chan func(), n)
		}
	}
}

func NewAdapter(conn Conn, page Page, opts ...Option) *Adapter {
	a := &Adapter{
		conn:    conn,
		page:    page,
		tasks:   make(chan func(), defaultQueueSize),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Room returns the room joined by Load.
func (a *Adapter) Room() string {
	return a.room
}

// Load joins the room named by the page and starts listening for messages.
func (a *Adapter) Load() error {
	room := a.page.Value(ElemRoomID)
	if room == "" {
		return ErrNoRoom
	}
	a.room = room

	if a.history != nil {
		msgs, err := a.history.Recent(room, a.historyLimit)
		if err != nil {
			log.Warn().Err(err).Str("room", room).Msg("[chat] load history failed")
		}
		for _, m := range msgs {
			a.page.Append(ElemAllMessages, NewFragment(m.Username, m.Message))
		}
		if len(msgs) > 0 {
			a.page.ScrollToBottom(ElemAllMessages)
		}
	}

	a.conn.On(EventRenderMessage, func(data json.RawMessage) {
		if err := a.Dispatch(func() { a.handleRenderPayload(data) }); err != nil {
			log.Debug().Err(err).Msg("[chat] drop inbound message")
		}
	})

	if err := a.conn.Emit(EventJoin, JoinRequest{Room: room}); err != nil {
		return fmt.Errorf("join room %q: %w", room, err)
	}
	return nil
}

func (a *Adapter) handleRenderPayload(data json.RawMessage) {
	var m RenderableMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug().Err(err).Msg("[chat] malformed renderMessage payload")
		return
	}
	a.HandleRenderMessage(m)
}

// HandleRenderMessage appends m to the message list and scrolls to it.
// Messages without a username or with an empty body are ignored.
func (a *Adapter) HandleRenderMessage(m RenderableMessage) bool {
	if !m.Renderable() {
		return false
	}
	a.page.Append(ElemAllMessages, NewFragment(*m.Username, m.Message))
	a.page.ScrollToBottom(ElemAllMessages)

	if a.history != nil {
		if err := a.history.Append(a.room, ChatMessage{Username: *m.Username, Message: m.Message}); err != nil {
			log.Debug().Err(err).Str("room", a.room).Msg("[chat] persist message")
		}
	}
	return true
}

// HandleChatMessage sends the form contents and resets the form. Nothing is
// sent when either field is empty. The form keeps its values if the emit fails.
func (a *Adapter) HandleChatMessage(evt Event) error {
	if evt != nil {
		evt.PreventDefault()
	}
	username := a.page.Value(ElemChatUser)
	message := a.page.Value(ElemChatMessage)
	if username == "" || message == "" {
		return nil
	}
	if err := a.conn.Emit(EventSendChat, ChatMessage{Username: username, Message: message}); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	a.page.ResetForm(ElemChatForm)
	return nil
}

// Submit queues a form submission on the loop.
func (a *Adapter) Submit(evt Event) error {
	return a.Dispatch(func() {
		if err := a.HandleChatMessage(evt); err != nil {
			log.Warn().Err(err).Msg("[chat] submit failed")
		}
	})
}

// Dispatch queues fn to run on the loop. It blocks while the queue is full.
func (a *Adapter) Dispatch(fn func()) error {
	select {
	case <-a.closing:
		return ErrLoopClosed
	default:
	}
	select {
	case a.tasks <- fn:
		return nil
	case <-a.closing:
		return ErrLoopClosed
	}
}

// Flush waits until every event queued before the call has run.
func (a *Adapter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case a.tasks <- func() { close(done) }:
	case <-a.closing:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.closing:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued events until ctx is done or Close is called.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.Close()
	for {
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.closing:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the loop. Pending events are discarded.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() { close(a.closing) })
}
