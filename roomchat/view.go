package main

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/chat"
)

// webPage keeps the message list of the browser view. HTTP handlers read
// it concurrently with the adapter loop, so every access takes the lock.
type webPage struct {
	mu        sync.RWMutex
	values    map[string]string
	defaults  map[string]string
	fragments []chat.Fragment
	scrollTop int
}

func newWebPage(room, user string) *webPage {
	return &webPage{
		values: map[string]string{
			chat.ElemRoomID:   room,
			chat.ElemChatUser: user,
		},
		defaults: map[string]string{
			chat.ElemChatUser: user,
		},
		fragments: make([]chat.Fragment, 0, 64),
	}
}

func (p *webPage) Value(id string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values[id]
}

func (p *webPage) fill(user, message string) {
	p.mu.Lock()
	p.values[chat.ElemChatUser] = user
	p.values[chat.ElemChatMessage] = message
	p.mu.Unlock()
}

func (p *webPage) ResetForm(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range []string{chat.ElemChatUser, chat.ElemChatMessage} {
		p.values[id] = p.defaults[id]
	}
}

func (p *webPage) Append(_ string, f chat.Fragment) {
	p.mu.Lock()
	p.fragments = append(p.fragments, f)
	p.mu.Unlock()
}

func (p *webPage) ScrollToBottom(string) {
	p.mu.Lock()
	p.scrollTop = len(p.fragments)
	p.mu.Unlock()
}

// since returns the fragments after index after and the current scroll offset.
func (p *webPage) since(after int) ([]chat.Fragment, int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if after < 0 {
		after = 0
	}
	if after > len(p.fragments) {
		after = len(p.fragments)
	}
	out := append([]chat.Fragment(nil), p.fragments[after:]...)
	return out, len(p.fragments), p.scrollTop
}

type messagesResponse struct {
	Next      int      `json:"next"`
	ScrollTop int      `json:"scrollTop"`
	HTML      []string `json:"html"`
}

// NewHandler builds the chat page router (page, polling, form submit).
func NewHandler(name string, a *chat.Adapter, p *webPage) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { serveIndex(w, name, p) })
	r.Get("/messages", func(w http.ResponseWriter, r *http.Request) { serveMessages(w, r, p) })
	r.Post("/send", func(w http.ResponseWriter, r *http.Request) { handleSend(w, r, a, p) })
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func serveIndex(w http.ResponseWriter, name string, p *webPage) {
	frags, next, _ := p.since(0)
	lines := make([]template.HTML, 0, len(frags))
	for _, f := range frags {
		// Fragment.HTML sanitizes both fields.
		lines = append(lines, template.HTML(f.HTML()))
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTmpl.Execute(w, struct {
		Name     string
		Room     string
		User     string
		Messages []template.HTML
		Next     int
	}{
		Name:     name,
		Room:     p.Value(chat.ElemRoomID),
		User:     p.Value(chat.ElemChatUser),
		Messages: lines,
		Next:     next,
	})
	if err != nil {
		log.Debug().Err(err).Msg("[roomchat] render index")
	}
}

func serveMessages(w http.ResponseWriter, r *http.Request, p *webPage) {
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	frags, next, top := p.since(after)
	resp := messagesResponse{Next: next, ScrollTop: top, HTML: make([]string, 0, len(frags))}
	for _, f := range frags {
		resp.HTML = append(resp.HTML, f.HTML())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleSend(w http.ResponseWriter, r *http.Request, a *chat.Adapter, p *webPage) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	user := r.PostFormValue(chat.ElemChatUser)
	message := r.PostFormValue(chat.ElemChatMessage)
	source := chat.ElemChatForm
	if r.PostFormValue(chat.ElemChatSubmit) != "" {
		source = chat.ElemChatSubmit
	}
	err := a.Dispatch(func() {
		p.fill(user, message)
		if err := a.HandleChatMessage(&chat.SubmitEvent{Source: source}); err != nil {
			log.Warn().Err(err).Msg("[roomchat] send failed")
		}
	})
	if err != nil {
		http.Error(w, "chat closed", http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("X-Requested-With") == "fetch" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

var indexTmpl = template.Must(template.New("room").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Room}} | {{.Name}}</title>
  <style>
    body{font-family:system-ui,sans-serif;margin:0;display:flex;flex-direction:column;height:100vh}
    header{padding:8px 12px;border-bottom:1px solid #ddd}
    #chat-all-messages{flex:1;overflow-y:auto;padding:8px 12px}
    #chat-all-messages p{margin:4px 0}
    .font-weight-bold{font-weight:700}
    .text-danger{color:#dc3545}
    form{display:flex;gap:6px;padding:8px 12px;border-top:1px solid #ddd}
    #chat-message{flex:1}
  </style>
</head>
<body>
  <header>Room <strong>{{.Room}}</strong></header>
  <input type="hidden" id="roomId" value="{{.Room}}" />
  <div id="chat-all-messages">{{range .Messages}}{{.}}{{end}}</div>
  <form id="chat-form" method="post" action="/send">
    <input id="chat-user" name="chat-user" value="{{.User}}" placeholder="username" />
    <input id="chat-message" name="chat-message" placeholder="message" autocomplete="off" />
    <button id="chat-submit" name="chat-submit" value="1" type="submit">Send</button>
  </form>
  <script>
    const list = document.getElementById('chat-all-messages');
    const form = document.getElementById('chat-form');
    let next = {{.Next}};
    list.scrollTop = list.scrollHeight;

    async function poll(){
      try{
        const res = await fetch('/messages?after=' + next);
        const data = await res.json();
        for (const html of data.html) list.insertAdjacentHTML('beforeend', html);
        if (data.html.length) list.scrollTop = list.scrollHeight;
        next = data.next;
      }catch(_){ }
      setTimeout(poll, 1000);
    }
    poll();

    form.addEventListener('submit', async (evt) => {
      evt.preventDefault();
      if (!form['chat-user'].value || !form['chat-message'].value) return;
      const body = new URLSearchParams(new FormData(form));
      const res = await fetch('/send', {method: 'POST', body, headers: {'X-Requested-With': 'fetch'}});
      if (res.ok) form.reset();
    });
  </script>
</body>
</html>
`))
