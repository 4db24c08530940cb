package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	params    LLMParameters
	endpoint  string

	client *http.Client

	logger *slog.Logger
}

type messagesRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []messagesTurn `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float32       `json:"temperature,omitempty"`
	TopP        *float32       `json:"top_p,omitempty"`
	Stream      bool           `json:"stream"`
}

type messagesTurn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// messagesEvent covers the fields of the stream events we read: content_block_delta carries Delta,
// error carries Error.
type messagesEvent struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicAPIEndpoint is the default base URL of the Anthropic API.
const AnthropicAPIEndpoint = "https://api.anthropic.com/v1"

const anthropicVersion = "2023-06-01"

// errMessageStop ends the event loop once the API reports the message is complete.
var errMessageStop = errors.New("message stop")

// NewAnthropic returns an Anthropic provider. An empty endpoint selects AnthropicAPIEndpoint; maxTokens is
// mandatory for this API.
func NewAnthropic(apiKey, endpoint, model string, maxTokens int, params LLMParameters, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = AnthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		params:    params,
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// Chat implements handlers.LLM. A cancelled ctx ends the sequence without an error.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req, err := a.newRequest(ctx, messages)
		if err != nil {
			yield("", err)
			return
		}

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				yield("", fmt.Errorf("error sending request: %w", err))
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", a.statusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() == nil {
					yield("", fmt.Errorf("error reading response: %w", err))
				}
				return
			}

			text, err := decodeEvent(ev.Type, ev.Data)
			if errors.Is(err, errMessageStop) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if text != "" && !yield(text, nil) {
				return
			}
		}
	}
}

// newRequest builds the streaming request. The API takes the system prompt as a top level field, so
// system turns are joined into it and left out of the conversation.
func (a Anthropic) newRequest(ctx context.Context, messages []models.Message) (*http.Request, error) {
	body := messagesRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.params.Temperature,
		TopP:        a.params.TopP,
		Stream:      true,
	}

	var system []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		body.Messages = append(body.Messages, messagesTurn{Role: msg.Role, Content: msg.Content})
	}
	body.System = strings.Join(system, "\n\n")

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	return req, nil
}

// decodeEvent returns the text carried by a stream event. Events without text yield "".
func decodeEvent(typ, data string) (string, error) {
	switch typ {
	case "message_stop":
		return "", errMessageStop
	case "content_block_delta", "error":
	default:
		return "", nil
	}

	var ev messagesEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return "", fmt.Errorf("error unmarshaling %s event: %w", typ, err)
	}
	if typ == "error" {
		return "", fmt.Errorf("anthropic error %s: %s", ev.Error.Type, ev.Error.Message)
	}
	return ev.Delta.Text, nil
}

func (a Anthropic) statusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}

	var ev messagesEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Error.Message == "" {
		a.logger.Debug("Unexpected error body", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("anthropic error %s: %s", ev.Error.Type, ev.Error.Message)
}
