package chat

// Element ids the adapter expects the page to provide.
const (
	ElemRoomID      = "roomId"
	ElemChatForm    = "chat-form"
	ElemChatSubmit  = "chat-submit"
	ElemChatUser    = "chat-user"
	ElemChatMessage = "chat-message"
	ElemAllMessages = "chat-all-messages"
)

// Page is the subset of a document the adapter reads from and writes to.
// Implementations are only called from the adapter's event loop.
type Page interface {
	// Value returns the current value of the input element with the given id.
	Value(id string) string
	// ResetForm restores every field of the form to its default value.
	ResetForm(id string)
	// Append adds a fragment to the end of the container.
	Append(id string, f Fragment)
	// ScrollToBottom moves the container to its maximum scroll offset.
	ScrollToBottom(id string)
}

// Event is a page event whose default action can be suppressed.
type Event interface {
	PreventDefault()
}

// SubmitEvent is the event raised by a form submission or a submit click.
type SubmitEvent struct {
	Source    string
	prevented bool
}

func (e *SubmitEvent) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether a handler suppressed the default action.
func (e *SubmitEvent) DefaultPrevented() bool { return e.prevented }
