package handlers

import (
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/Oscar-999/hero-chat/internal/metrics"
	"github.com/Oscar-999/hero-chat/internal/models"
)

const (
	invalidRequestMessage   = "Invalid request format. Expected user messages."
	upstreamFailureMessage  = "Error creating completion"
	maxChatRequestBodyBytes = 1 << 20
)

// HandleChat is the completion proxy. It accepts a JSON transcript, forwards its turns to the LLM behind
// the fixed system prompt and relays the generated text as a chunked text/plain stream, flushing every
// chunk as soon as it is produced.
//
// A transcript without any user message is rejected with 400 before the LLM is called. An LLM failure
// before the first chunk is answered with 500 carrying the error detail. A failure after the first chunk
// can no longer change the status, so the connection is aborted after the chunks already sent.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := m.requestLogger(r)

	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatRequestBodyBytes)).Decode(&req); err != nil {
		logger.Warn("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Message: invalidRequestMessage})
		return
	}

	turns := m.upstreamTurns(req.Messages)
	if !models.HasUserMessage(turns) {
		logger.Warn("Chat request without user messages", slog.Int("messages", len(req.Messages)))
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Message: invalidRequestMessage})
		return
	}

	msgs := slices.Insert(turns, 0, models.Message{
		Role:    models.RoleSystem,
		Content: m.cfg.SystemPrompt,
	})

	// The upstream call is bound to the request, a client that goes away stops the generation.
	next, stop := iter.Pull2(m.llm.Chat(r.Context(), msgs))
	defer stop()

	// We hold the response headers back until the first chunk so that an upstream failure at that point
	// can still be reported with a proper status.
	chunk, ok, err := nextChunk(next)
	if err != nil {
		logger.Error("Error creating completion", slog.String(errLoggerKey, err.Error()))
		metrics.UpstreamErrors.WithLabelValues("start").Inc()
		metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Message: upstreamFailureMessage,
			Error:   err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	metrics.RequestsTotal.WithLabelValues("streamed").Inc()

	rc := http.NewResponseController(w)
	chunks := 0
	for ok {
		if chunks == 0 {
			metrics.FirstChunkLatency.Observe(time.Since(start).Seconds())
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			logger.Warn("Client went away", slog.Int("chunks", chunks), slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := rc.Flush(); err != nil {
			logger.Warn("Failed to flush chunk", slog.String(errLoggerKey, err.Error()))
		}
		chunks++
		metrics.ChunksTotal.Inc()

		chunk, ok, err = nextChunk(next)
		if err != nil {
			logger.Error("Completion stream failed",
				slog.Int("chunks", chunks),
				slog.String(errLoggerKey, err.Error()))
			metrics.UpstreamErrors.WithLabelValues("stream").Inc()
			// Cut the connection without the terminating chunk so the client sees a broken stream
			// rather than a complete reply.
			panic(http.ErrAbortHandler)
		}
	}

	metrics.StreamDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Completion streamed", slog.Int("chunks", chunks), slog.Duration("duration", time.Since(start)))
}

// upstreamTurns picks the turns of the transcript forwarded to the LLM according to the context mode.
func (m Main) upstreamTurns(messages []models.Message) []models.Message {
	if m.cfg.ContextMode == ContextFull {
		return models.ConversationTurns(messages)
	}
	return models.UserMessages(messages)
}

// nextChunk pulls the next non-empty chunk. ok is false when the stream ended or failed.
func nextChunk(next func() (string, error, bool)) (string, bool, error) {
	for {
		chunk, err, ok := next()
		if !ok {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if chunk != "" {
			return chunk, true, nil
		}
	}
}
