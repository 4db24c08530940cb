package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// State is the state of the current exchange.
type State int

const (
	// StateIdle means no exchange has been attempted yet.
	StateIdle State = iota
	// StateUserAppended means the user message is in the transcript, the request is not sent yet.
	StateUserAppended
	// StateRequestSent means the request is in flight, no reply has started.
	StateRequestSent
	// StateStreaming means chunks of the reply are being merged.
	StateStreaming
	// StateFinalized means the reply completed.
	StateFinalized
	// StateErrorAborted means the exchange failed or was cancelled. Partial content is kept.
	StateErrorAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserAppended:
		return "user_appended"
	case StateRequestSent:
		return "request_sent"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateErrorAborted:
		return "error_aborted"
	default:
		return "unknown"
	}
}

// Renderer is notified with a snapshot of the transcript after every change.
type Renderer interface {
	Render(messages []models.Message)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(messages []models.Message)

// Render calls f(messages).
func (f RendererFunc) Render(messages []models.Message) {
	f(messages)
}

// Config holds the collaborators of a Client.
type Config struct {
	// BaseURL is the root URL of the proxy, for example http://localhost:8080.
	BaseURL string
	// HTTPClient carries the session cookie. Defaults to a client without a cookie jar.
	HTTPClient *http.Client
	// Renderer defaults to a no-op.
	Renderer Renderer
	// Greeting, when set, is the assistant message the transcript starts with.
	Greeting string
	// ReadSize is the size of a single read of the reply body. Defaults to 4096.
	ReadSize int
	Logger   *slog.Logger
}

// Client is the conversation client. It owns the transcript of one session and relays it to the proxy.
// Exchanges are serialized: a send waits until the previous reply finalizes, so at most one assistant
// message is pending.
type Client struct {
	endpoint   string
	httpClient *http.Client
	renderer   Renderer
	readSize   int
	session    models.SessionContext

	transcript *Transcript

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	logger *slog.Logger
}

const defaultReadSize = 4096

// New creates a Client for an authenticated session.
func New(session models.SessionContext, cfg Config) (*Client, error) {
	if !session.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}

	c := &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/api/chat",
		httpClient: cfg.HTTPClient,
		renderer:   cfg.Renderer,
		readSize:   cfg.ReadSize,
		session:    session,
		transcript: NewTranscript(),
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.renderer == nil {
		c.renderer = RendererFunc(func([]models.Message) {})
	}
	if c.readSize <= 0 {
		c.readSize = defaultReadSize
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("module", "conversation"), slog.String("user", session.User.Username))

	if cfg.Greeting != "" {
		c.transcript = NewTranscript(models.Message{
			Role:      models.RoleAssistant,
			Content:   cfg.Greeting,
			Timestamp: time.Now(),
		})
	}

	return c, nil
}

// Session returns the session the client was built for.
func (c *Client) Session() models.SessionContext {
	return c.session
}

// Transcript returns a snapshot of the transcript.
func (c *Client) Transcript() []models.Message {
	return c.transcript.Messages()
}

// State returns the state of the current, or last, exchange.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// SendMessage runs one exchange: it appends text as a user message, posts the transcript to the proxy
// and merges the streamed reply into a new assistant message, rendering after every change. Text that is
// empty after trimming is ignored.
//
// Failures are logged and returned as *TransportError or *StreamReadError; they never add anything to
// the transcript. Cancelling ctx aborts the exchange, keeping whatever part of the reply was merged.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.apply(Event{Kind: EventUserAppended, Text: text}); err != nil {
		return err
	}
	c.setState(StateUserAppended)

	resp, err := c.post(ctx)
	if err != nil {
		c.setState(StateErrorAborted)
		c.logger.Error("Error sending message", slog.String(errLoggerKey, err.Error()))
		return err
	}
	defer resp.Body.Close()

	id := uuid.New().String()
	if err := c.apply(Event{Kind: EventAssistantStarted, MessageID: id}); err != nil {
		c.setState(StateErrorAborted)
		return err
	}
	c.setState(StateStreaming)

	received, err := c.stream(resp.Body, id)

	// The reply is finalized on every path so the next exchange can start.
	if ferr := c.apply(Event{Kind: EventFinalized, MessageID: id}); ferr != nil && err == nil {
		err = ferr
	}

	if err != nil {
		c.setState(StateErrorAborted)
		serr := &StreamReadError{MessageID: id, Received: received, Err: err}
		c.logger.Error("Error reading reply",
			slog.String("messageID", id),
			slog.Int("received", received),
			slog.String(errLoggerKey, err.Error()))
		return serr
	}

	c.setState(StateFinalized)
	return nil
}

func (c *Client) post(ctx context.Context) (*http.Response, error) {
	body, err := json.Marshal(models.ChatRequest{Messages: c.transcript.Messages()})
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to marshal transcript: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	c.setState(StateRequestSent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		terr := &TransportError{StatusCode: resp.StatusCode}

		var res models.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&res); err == nil {
			terr.Message = res.Message
			terr.Detail = res.Error
		}
		return nil, terr
	}

	return resp, nil
}

// stream merges the reply body into the pending message id, one chunk per read, and returns the number
// of bytes merged. Invalid input is replaced by the decoder and a character split across reads is held
// back until its last byte arrives.
func (c *Client) stream(body io.Reader, id string) (int, error) {
	r := transform.NewReader(body, unicode.UTF8.NewDecoder())
	buf := make([]byte, c.readSize)
	var pending []byte
	received := 0

	merge := func(b []byte) error {
		if err := c.apply(Event{Kind: EventChunk, MessageID: id, Text: string(b)}); err != nil {
			return err
		}
		received += len(b)
		return nil
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if cut := completeRunes(pending); cut > 0 {
				if aerr := merge(pending[:cut]); aerr != nil {
					return received, aerr
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				if aerr := merge(pending); aerr != nil {
					return received, aerr
				}
			}
			return received, nil
		}
		if err != nil {
			return received, err
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not end inside a character.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// apply reduces ev into the transcript and renders the result.
func (c *Client) apply(ev Event) error {
	if err := c.transcript.Apply(ev); err != nil {
		return err
	}
	c.renderer.Render(c.transcript.Messages())
	return nil
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}
