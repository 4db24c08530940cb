package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/Oscar-999/hero-chat/internal/models"
)

// NewHTTPClient returns an HTTP client with a cookie jar, able to carry the session cookie set by
// SignIn.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &http.Client{Jar: jar}, nil
}

// SignIn posts credentials to the proxy. On success the session cookie is stored in httpClient's jar
// and the authenticated SessionContext is returned. Rejected credentials yield an unauthenticated
// session together with a *TransportError.
func SignIn(ctx context.Context, httpClient *http.Client, baseURL, username, password string) (models.SessionContext, error) {
	if httpClient.Jar == nil {
		return models.UnauthenticatedSession(), fmt.Errorf("http client needs a cookie jar")
	}

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return models.UnauthenticatedSession(), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/signin", bytes.NewReader(body))
	if err != nil {
		return models.UnauthenticatedSession(), fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return models.UnauthenticatedSession(), &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		terr := &TransportError{StatusCode: resp.StatusCode}
		var res models.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&res); err == nil {
			terr.Message = res.Message
			terr.Detail = res.Error
		}
		return models.UnauthenticatedSession(), terr
	}

	var res struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.UnauthenticatedSession(), fmt.Errorf("failed to decode sign-in response: %w", err)
	}

	return models.AuthenticatedSession(models.User{Username: res.Username}), nil
}
