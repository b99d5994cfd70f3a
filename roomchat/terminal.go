package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/chat"
)

const (
	ansiBoldRed = "\x1b[1;31m"
	ansiReset   = "\x1b[0m"
)

// terminalPage renders the message list to a writer. Input lines become
// the chat-message value; the chat-user value comes from --user or /nick.
type terminalPage struct {
	mu       sync.Mutex
	out      io.Writer
	color    bool
	values   map[string]string
	defaults map[string]string
	lines    int
	offset   int
}

func newTerminalPage(out io.Writer, room, user string, color bool) *terminalPage {
	return &terminalPage{
		out:   out,
		color: color,
		values: map[string]string{
			chat.ElemRoomID:   room,
			chat.ElemChatUser: user,
		},
		defaults: map[string]string{
			chat.ElemChatUser: user,
		},
	}
}

func (p *terminalPage) Value(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[id]
}

func (p *terminalPage) setValue(id, v string) {
	p.mu.Lock()
	p.values[id] = v
	p.mu.Unlock()
}

func (p *terminalPage) setDefault(id, v string) {
	p.mu.Lock()
	p.defaults[id] = v
	p.mu.Unlock()
}

func (p *terminalPage) ResetForm(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range []string{chat.ElemChatUser, chat.ElemChatMessage} {
		p.values[id] = p.defaults[id]
	}
}

func (p *terminalPage) Append(_ string, f chat.Fragment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	user, msg := terminalSafe(f.Username), terminalSafe(f.Message)
	if p.color {
		_, err = fmt.Fprintf(p.out, "%s%s: %s%s\n", ansiBoldRed, user, ansiReset, msg)
	} else {
		_, err = fmt.Fprintln(p.out, user+": "+msg)
	}
	if err != nil {
		log.Debug().Err(err).Msg("[roomchat] write message")
		return
	}
	p.lines++
}

// terminalSafe drops C0/C1 control characters and invalid UTF-8 so remote
// text cannot drive the terminal. Newlines become spaces to keep one
// message per line; tabs are kept.
func terminalSafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t':
			b.WriteRune(r)
		case r == '\n' || r == '\r':
			b.WriteByte(' ')
		case unicode.IsControl(r), r == utf8.RuneError:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ScrollToBottom follows the output; the offset is the number of lines printed.
func (p *terminalPage) ScrollToBottom(string) {
	p.mu.Lock()
	p.offset = p.lines
	p.mu.Unlock()
}

func (p *terminalPage) scrollOffset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// readInput submits each line of r through the adapter until EOF or /quit.
func readInput(r io.Reader, a *chat.Adapter, p *terminalPage) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "/quit":
			return nil
		case line == "/nick" || strings.HasPrefix(line, "/nick "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/nick"))
			if name == "" {
				continue
			}
			if err := a.Dispatch(func() {
				p.setDefault(chat.ElemChatUser, name)
				p.setValue(chat.ElemChatUser, name)
			}); err != nil {
				return err
			}
			continue
		}
		if err := a.Dispatch(func() {
			p.setValue(chat.ElemChatMessage, line)
			if err := a.HandleChatMessage(&chat.SubmitEvent{Source: chat.ElemChatForm}); err != nil {
				log.Warn().Err(err).Msg("[roomchat] send failed")
			}
		}); err != nil {
			return err
		}
	}
	return sc.Err()
}
