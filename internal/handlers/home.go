package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Oscar-999/hero-chat/internal/models"
)

type message struct {
	Role      string
	Content   string
	Timestamp string
}

type homePageData struct {
	Username string
	Greeting message
}

// HandleHome renders the chat page. The page is only rendered for an authenticated session, every other
// session state is redirected to the sign-in page. The transcript itself lives in the browser; the page
// only carries the greeting it starts with.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	if !s.Authenticated() {
		http.Redirect(w, r, "/signin", http.StatusFound)
		return
	}

	data := homePageData{
		Username: s.User.Username,
		Greeting: message{
			Role:      string(models.RoleAssistant),
			Content:   m.cfg.Greeting,
			Timestamp: time.Now().Format(models.TimestampLayout),
		},
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.requestLogger(r).Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
