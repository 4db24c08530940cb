package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"io/fs"
	"iter"
	"log/slog"
	"net/http"
	"time"

	herochat "github.com/Oscar-999/hero-chat"
	"github.com/Oscar-999/hero-chat/internal/metrics"
	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the interface for the identity collaborator: the accounts allowed to sign in and the
// sign-in sessions issued to them.
type Store interface {
	Account(ctx context.Context, username string) (models.Account, error)

	AddSession(ctx context.Context, session models.SignInSession) error
	Session(ctx context.Context, token string) (models.SignInSession, error)
	DeleteSession(ctx context.Context, token string) error
	PruneSessions(ctx context.Context, now time.Time) (int, error)
}

// ContextMode selects which turns of the transcript are forwarded upstream.
type ContextMode string

const (
	// ContextUser forwards only the user turns, prior assistant turns are dropped.
	ContextUser ContextMode = "user"
	// ContextFull forwards user and assistant turns.
	ContextFull ContextMode = "full"
)

// Config holds the behaviour of the handlers that does not come from collaborators.
type Config struct {
	// SystemPrompt is the fixed instruction placed in front of every upstream request.
	SystemPrompt string
	// Greeting is the assistant message every conversation starts with.
	Greeting string
	// ContextMode defaults to ContextUser.
	ContextMode ContextMode
	// SessionTTL defaults to 24 hours.
	SessionTTL time.Duration
	// SecureCookie marks the session cookie as HTTPS only.
	SecureCookie bool
}

// Main handles the core functionality of the chat application: the completion proxy, the pages of the
// browser client and the sign-in flow in front of them.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	llm   LLM
	store Store
	cfg   Config

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultSessionTTL = 24 * time.Hour
)

// NewMain creates a new Main instance with the provided LLM and Store implementations. It parses the
// required HTML templates from the embedded filesystem and fills the zero fields of cfg with defaults.
func NewMain(llm LLM, store Store, cfg Config, logger *slog.Logger) (Main, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
	)

	m := Main{
		markdown: md,
		llm:      llm,
		store:    store,
		cfg:      cfg,
		logger:   logger.With(slog.String("module", "handlers")),
	}
	if m.cfg.ContextMode == "" {
		m.cfg.ContextMode = ContextUser
	}
	if m.cfg.SessionTTL <= 0 {
		m.cfg.SessionTTL = defaultSessionTTL
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"markdown": m.renderMarkdown,
	}).ParseFS(
		herochat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}
	m.templates = tmpl

	return m, nil
}

// Router returns the HTTP handler serving every route of the application. Static assets are served from
// static under /static/.
func (m Main) Router(static fs.FS) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(m.withSession)

	r.Get("/healthz", m.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Get("/", m.HandleHome)
	r.Get("/signin", m.HandleSignInPage)
	r.Post("/signin", m.HandleSignIn)
	r.Post("/signout", m.HandleSignOut)

	r.With(m.requireSession).Post("/api/chat", m.HandleChat)

	return r
}

// HandleHealth reports that the process is serving.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PruneSessions removes expired sign-in sessions every interval until ctx is done.
func (m Main) PruneSessions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := m.store.PruneSessions(ctx, now)
			if err != nil {
				m.logger.Error("Failed to prune sessions", slog.String(errLoggerKey, err.Error()))
				continue
			}
			if n > 0 {
				metrics.PrunedSessions.Add(float64(n))
				m.logger.Info("Pruned expired sessions", slog.Int("count", n))
			}
		}
	}
}

func (m Main) renderMarkdown(s string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(s), &buf); err != nil {
		return "", err
	}
	// Goldmark escapes raw HTML by default, so the output is safe to embed.
	return template.HTML(buf.String()), nil
}

// requestLogger returns the handler logger annotated with the request id set by chi.
func (m Main) requestLogger(r *http.Request) *slog.Logger {
	reqID := middleware.GetReqID(r.Context())
	if reqID == "" {
		return m.logger
	}
	return m.logger.With(slog.String("requestID", reqID))
}

// withLogging wraps a handler and logs every request.
func (m Main) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.requestLogger(r).Info("Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
