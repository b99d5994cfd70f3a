package chat

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// Usernames are rendered as plain text.
	usernamePolicy = bluemonday.StrictPolicy()

	// Message bodies keep simple formatting, nothing executable.
	messagePolicy = bluemonday.UGCPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "code").
			AllowURLSchemes("http", "https", "mailto").
			RequireNoFollowOnLinks(true)
)

// Fragment is a rendered chat line ready to be appended to a message list.
type Fragment struct {
	Username string
	Message  string
}

// NewFragment renders an accepted message.
func NewFragment(username, message string) Fragment {
	return Fragment{Username: username, Message: message}
}

// Text returns the plain text content of the fragment, "{username}: {message}".
func (f Fragment) Text() string {
	return f.Username + ": " + f.Message
}

// HTML returns the markup of the fragment with the username highlighted.
func (f Fragment) HTML() string {
	var b strings.Builder
	b.WriteString(`<p><span class="font-weight-bold text-danger">`)
	b.WriteString(sanitizeUsername(f.Username))
	b.WriteString(`: </span>`)
	b.WriteString(sanitizeMessage(f.Message))
	b.WriteString(`</p>`)
	return b.String()
}

func sanitizeUsername(name string) string {
	// StrictPolicy escapes what it keeps, so decode first to avoid double escaping.
	return usernamePolicy.Sanitize(html.UnescapeString(name))
}

func sanitizeMessage(msg string) string {
	return strings.TrimSpace(messagePolicy.Sanitize(msg))
}
