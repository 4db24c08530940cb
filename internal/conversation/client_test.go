package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/Oscar-999/hero-chat/internal/conversation"
	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/stretchr/testify/require"
)

const greeting = "Hello there! I am Jarvis."

var tony = models.AuthenticatedSession(models.User{Username: "tony"})

type recorder struct {
	mu      sync.Mutex
	renders [][]models.Message
}

func (r *recorder) Render(messages []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, messages)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func (r *recorder) all() [][]models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

// chunkedProxy streams chunks, flushing after each, and records the transcripts it received.
type chunkedProxy struct {
	chunks []string

	mu       sync.Mutex
	requests []models.ChatRequest
	hits     atomic.Int32
}

func (p *chunkedProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, c := range p.chunks {
		_, _ = io.WriteString(w, c)
		w.(http.Flusher).Flush()
	}
}

func (p *chunkedProxy) received() []models.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func newTestClient(t *testing.T, baseURL string, r conversation.Renderer, readSize int) *conversation.Client {
	t.Helper()

	c, err := conversation.New(tony, conversation.Config{
		BaseURL:  baseURL,
		Renderer: r,
		Greeting: greeting,
		ReadSize: readSize,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresAuthenticatedSession(t *testing.T) {
	for _, s := range []models.SessionContext{
		{State: models.SessionLoading},
		models.UnauthenticatedSession(),
	} {
		_, err := conversation.New(s, conversation.Config{BaseURL: "http://localhost"})
		require.ErrorIs(t, err, conversation.ErrUnauthenticated, "state %v", s.State)
	}

	_, err := conversation.New(tony, conversation.Config{})
	require.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	proxy := &chunkedProxy{chunks: []string{"Hi", " there"}}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	rec := &recorder{}
	c := newTestClient(t, srv.URL, rec, 0)
	require.Equal(t, conversation.StateIdle, c.State())

	require.NoError(t, c.SendMessage(context.Background(), "Hello"))

	msgs := c.Transcript()
	require.Len(t, msgs, 3)
	require.Equal(t, models.Message{Role: models.RoleAssistant, Content: greeting}, stripLocal(msgs[0]))
	require.Equal(t, models.Message{Role: models.RoleUser, Content: "Hello"}, stripLocal(msgs[1]))
	require.Equal(t, models.RoleAssistant, msgs[2].Role)
	require.Equal(t, "Hi there", msgs[2].Content)
	require.NotEmpty(t, msgs[2].ID)
	require.Equal(t, conversation.StateFinalized, c.State())

	// The proxy saw the greeting and the new user turn, without local ids.
	reqs := proxy.received()
	require.Len(t, reqs, 1)
	require.Equal(t, []models.Message{
		{Role: models.RoleAssistant, Content: greeting},
		{Role: models.RoleUser, Content: "Hello"},
	}, reqs[0].Messages)

	// User appended, assistant started, at least one chunk, finalized.
	require.GreaterOrEqual(t, rec.count(), 4)
	last := rec.all()[rec.count()-1]
	require.Equal(t, "Hi there", last[len(last)-1].Content)
}

func TestSendMessageCorrelationIDsAreUnique(t *testing.T) {
	srv := httptest.NewServer(&chunkedProxy{chunks: []string{"ok"}})
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, 0)
	require.NoError(t, c.SendMessage(context.Background(), "one"))
	require.NoError(t, c.SendMessage(context.Background(), "two"))

	msgs := c.Transcript()
	require.Len(t, msgs, 5)
	require.NotEqual(t, msgs[2].ID, msgs[4].ID)
}

func TestSendMessageWhitespaceIsNoop(t *testing.T) {
	proxy := &chunkedProxy{chunks: []string{"Hi"}}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	rec := &recorder{}
	c := newTestClient(t, srv.URL, rec, 0)

	for _, text := range []string{"", "   ", "\n\t "} {
		require.NoError(t, c.SendMessage(context.Background(), text))
	}

	require.Len(t, c.Transcript(), 1)
	require.Zero(t, proxy.hits.Load())
	require.Zero(t, rec.count())
	require.Equal(t, conversation.StateIdle, c.State())
}

func TestSendMessageNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"Error creating completion","error":"invalid api key"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, 0)
	err := c.SendMessage(context.Background(), "Hello")

	var terr *conversation.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, http.StatusInternalServerError, terr.StatusCode)
	require.Equal(t, "Error creating completion", terr.Message)
	require.Equal(t, "invalid api key", terr.Detail)

	// The optimistic user message stays, nothing else is added.
	msgs := c.Transcript()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[1].Role)
	require.Equal(t, conversation.StateErrorAborted, c.State())
}

func TestSendMessageUnreachableProxy(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, nil, 0)
	err := c.SendMessage(context.Background(), "Hello")

	var terr *conversation.TransportError
	require.ErrorAs(t, err, &terr)
	require.Zero(t, terr.StatusCode)
	require.Len(t, c.Transcript(), 2)
}

func TestSendMessageSplitMultiByteCharacters(t *testing.T) {
	const reply = "Héllo wörld 🦸"
	// One byte per chunk splits every multi-byte character across writes.
	var chunks []string
	for i := 0; i < len(reply); i++ {
		chunks = append(chunks, reply[i:i+1])
	}
	srv := httptest.NewServer(&chunkedProxy{chunks: chunks})
	defer srv.Close()

	rec := &recorder{}
	c := newTestClient(t, srv.URL, rec, 1)
	require.NoError(t, c.SendMessage(context.Background(), "Hello"))

	msgs := c.Transcript()
	require.Equal(t, reply, msgs[len(msgs)-1].Content)
	for _, render := range rec.all() {
		require.True(t, utf8.ValidString(render[len(render)-1].Content))
	}
}

func TestSendMessageStreamFailureKeepsPartialReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		// A chunked body cut off before its terminating chunk.
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nHi\r\n")
		_ = buf.Flush()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, 0)
	err := c.SendMessage(context.Background(), "Hello")

	var serr *conversation.StreamReadError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 2, serr.Received)

	msgs := c.Transcript()
	require.Len(t, msgs, 3)
	require.Equal(t, "Hi", msgs[2].Content)
	require.Equal(t, conversation.StateErrorAborted, c.State())

}

func TestSendMessageCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hi")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	r := conversation.RendererFunc(func(msgs []models.Message) {
		if msgs[len(msgs)-1].Content == "Hi" {
			once.Do(cancel)
		}
	})
	c := newTestClient(t, srv.URL, r, 0)

	err := c.SendMessage(ctx, "Hello")
	var serr *conversation.StreamReadError
	require.ErrorAs(t, err, &serr)
	require.True(t, errors.Is(ctx.Err(), context.Canceled))

	msgs := c.Transcript()
	require.Equal(t, "Hi", msgs[len(msgs)-1].Content)
	require.Equal(t, conversation.StateErrorAborted, c.State())
}

func TestSendMessageSerializesExchanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1]
		for _, part := range []string{"re: ", last.Content} {
			_, _ = io.WriteString(w, part)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, 0)

	texts := []string{"one", "two", "three"}
	errs := make(chan error, len(texts))
	for _, text := range texts {
		go func() {
			errs <- c.SendMessage(context.Background(), text)
		}()
	}
	for range texts {
		require.NoError(t, <-errs)
	}

	msgs := c.Transcript()
	require.Len(t, msgs, 7)
	for i := 1; i < len(msgs); i += 2 {
		require.Equal(t, models.RoleUser, msgs[i].Role)
		require.Equal(t, models.RoleAssistant, msgs[i+1].Role)
		require.Equal(t, "re: "+msgs[i].Content, msgs[i+1].Content)
	}
}

func TestSignIn(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signin", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "iamironman" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Sign-in failed","error":"invalid username or password"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "herochat_session", Value: "token-1", Path: "/"})
		fmt.Fprintf(w, `{"username":%q,"token":"token-1"}`, req.Username)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("herochat_session"); err != nil || c.Value != "token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "welcome back")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hc, err := conversation.NewHTTPClient()
	require.NoError(t, err)

	s, err := conversation.SignIn(context.Background(), hc, srv.URL, "tony", "wrong")
	var terr *conversation.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, http.StatusUnauthorized, terr.StatusCode)
	require.False(t, s.Authenticated())

	s, err = conversation.SignIn(context.Background(), hc, srv.URL, "tony", "iamironman")
	require.NoError(t, err)
	require.True(t, s.Authenticated())
	require.Equal(t, "tony", s.User.Username)

	c, err := conversation.New(s, conversation.Config{BaseURL: srv.URL + "/", HTTPClient: hc})
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(context.Background(), "Hello"))

	msgs := c.Transcript()
	require.True(t, strings.HasSuffix(msgs[len(msgs)-1].Content, "welcome back"))
}

func stripLocal(m models.Message) models.Message {
	return models.Message{Role: m.Role, Content: m.Content}
}
