package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthorized matches any 401 from the blog API under errors.Is. The
// returned *APIError still carries the API's message. Callers drop the
// session and send the user to the login page.
var ErrUnauthorized = errors.New("api: unauthorized")

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// Unwrap lets errors.Is match a 401 against ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

func apiStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func IsNotFound(err error) bool {
	return apiStatus(err) == http.StatusNotFound
}

func IsForbidden(err error) bool {
	return apiStatus(err) == http.StatusForbidden
}

// apiMessage returns the message the API attached to err, or fallback.
func apiMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

type tokenKey struct{}

// ContextWithToken attaches the bearer token sent with every API request
// made under ctx.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

type APIClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.SugaredLogger
}

func NewAPIClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := tokenFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		apiErr := &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		c.logger.Debugw("api unauthorized", "method", method, "path", path, "message", apiErr.Message)
		return apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		switch {
		case resp.StatusCode == http.StatusForbidden:
			c.logger.Warnw("api access forbidden", "method", method, "path", path)
		case resp.StatusCode == http.StatusNotFound:
			c.logger.Infow("api resource not found", "method", method, "path", path)
		case resp.StatusCode >= 500:
			c.logger.Errorw("api server error", "method", method, "path", path, "status", resp.StatusCode, "message", apiErr.Message)
		default:
			c.logger.Warnw("api request failed", "method", method, "path", path, "status", resp.StatusCode, "message", apiErr.Message)
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

func (c *APIClient) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", creds, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("api: login response carried no token")
	}
	return &resp, nil
}

// Register creates an account. Some deployments log the new user in
// straight away and return a token; others leave Token empty.
func (c *APIClient) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", reg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) CurrentUser(ctx context.Context) (*User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decoding current user: %w", err)
	}
	return &user, nil
}
