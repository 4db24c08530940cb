package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Oscar-999/hero-chat/internal/conversation"
	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/Oscar-999/hero-chat/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"
)

const defaultGreeting = "Hello there! I am Jarvis. Feel free to ask me anything about superheroes!"

func main() {
	serverURL := flag.String("server", envOr("HEROCHAT_SERVER", "http://localhost:8080"), "base URL of the chat server")
	username := flag.String("user", os.Getenv("HEROCHAT_USER"), "username to sign in with")
	greeting := flag.String("greeting", defaultGreeting, "assistant message the conversation starts with")
	logPath := flag.String("log", os.Getenv("HEROCHAT_LOG"), "file to write logs to, logs are discarded when empty")
	flag.Parse()

	if *username == "" {
		log.Fatal("a username is required, use -user or HEROCHAT_USER")
	}

	password, err := readPassword()
	if err != nil {
		log.Fatal(fmt.Errorf("error reading password: %w", err))
	}

	logger, closeLog, err := newLogger(*logPath)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var p *tea.Program

	connect := func(ctx context.Context) (models.SessionContext, tui.Sender, error) {
		httpClient, err := conversation.NewHTTPClient()
		if err != nil {
			return models.SessionContext{}, nil, err
		}
		session, err := conversation.SignIn(ctx, httpClient, *serverURL, *username, password)
		if err != nil {
			return models.UnauthenticatedSession(), nil, err
		}
		client, err := conversation.New(session, conversation.Config{
			BaseURL:    *serverURL,
			HTTPClient: httpClient,
			Greeting:   *greeting,
			Logger:     logger,
			Renderer: conversation.RendererFunc(func(messages []models.Message) {
				p.Send(tui.TranscriptMsg(messages))
			}),
		})
		if err != nil {
			return models.UnauthenticatedSession(), nil, err
		}
		return session, client, nil
	}

	p = tea.NewProgram(tui.New(ctx, connect, tui.Options{}), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// readPassword takes the password from HEROCHAT_PASSWORD, or prompts for it without echo.
func readPassword() (string, error) {
	if v := os.Getenv("HEROCHAT_PASSWORD"); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal, set HEROCHAT_PASSWORD")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// newLogger writes to path. The alternate screen owns the terminal, so nothing is logged to it.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, nil)), func() { _ = f.Close() }, nil
}
