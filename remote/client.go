package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const (
	DefaultBaseURL      = "https://sdbe.replit.app"
	DefaultWorkflowName = "lastnurses_api"

	// credits assumed when a login response omits them
	DefaultLoginCredits = 5

	// job-status bodies may carry the finished image inline as a data URL
	DefaultMaxResponseBytes = 64 * 1024 * 1024
)

// ErrResponseTooLarge is returned when a response body exceeds the client's cap.
var ErrResponseTooLarge = errors.New("remote response too large")

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote service returned status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

type SubmitRequest struct {
	WorkflowName    string `json:"workflow_name"`
	Image           string `json:"image"`
	WaitForResponse bool   `json:"waitForResponse"`
	AnonymousUserID string `json:"anonymous_user_id,omitempty"`
}

type SubmitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type JobStatus struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	OutputImage string `json:"output_image,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Output returns the finished image reference, preferring output_image.
func (s JobStatus) Output() string {
	if s.OutputImage != "" {
		return s.OutputImage
	}
	return s.ImageURL
}

// HistoryItem is one prior job as listed by the user's history.
type HistoryItem struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id,omitempty"`
	Original  string `json:"original,omitempty"`
	Processed string `json:"processed,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// LoginResult is the outcome of a completed provider login.
type LoginResult struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
	Credits  int    `json:"credits"`
}

type loginResponse struct {
	Success     *bool  `json:"success,omitempty"`
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	Username    string `json:"username"`
	Credits     *int   `json:"credits"`
	Error       string `json:"error"`
}

// Client talks to the remote image transformation service.
type Client struct {
	baseURL      string
	workflowName string
	httpClient   *http.Client
	maxResponse  int64
	log          *zap.Logger
}

type ClientOption func(*Client)

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxResponse = n
		}
	}
}

func NewClient(baseURL, workflowName string, timeout time.Duration, log *zap.Logger, opts ...ClientOption) *Client {
	return NewClientWithHTTP(baseURL, workflowName, &http.Client{Timeout: timeout}, log, opts...)
}

func NewClientWithHTTP(baseURL, workflowName string, httpClient *http.Client, log *zap.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if workflowName == "" {
		workflowName = DefaultWorkflowName
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		workflowName: workflowName,
		httpClient:   httpClient,
		maxResponse:  DefaultMaxResponseBytes,
		log:          logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitJob queues dataURL for transformation. anonymousID is only sent when
// no token is present.
func (c *Client) SubmitJob(ctx context.Context, token, anonymousID, dataURL string) (*SubmitResponse, error) {
	body := SubmitRequest{
		WorkflowName:    c.workflowName,
		Image:           dataURL,
		WaitForResponse: false,
	}
	if token == "" {
		body.AnonymousUserID = anonymousID
	}

	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/images/process-image", token, body, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, errors.New("remote service did not return a job id")
	}
	c.log.Info("remote: job submitted", zap.String("job_id", resp.JobID), zap.String("status", resp.Status))
	return &resp, nil
}

func (c *Client) JobStatus(ctx context.Context, token, jobID string) (*JobStatus, error) {
	var resp JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/images/job-status/"+url.PathEscape(jobID), token, nil, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		resp.JobID = jobID
	}
	return &resp, nil
}

// History lists the authenticated user's prior jobs. Both a bare array and an
// object wrapping it under "items" or "history" are accepted.
func (c *Client) History(ctx context.Context, token string) ([]HistoryItem, error) {
	if token == "" {
		return nil, &HTTPError{StatusCode: http.StatusUnauthorized, Message: "authentication required"}
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/user/history", token, nil, &raw); err != nil {
		return nil, err
	}

	items := []HistoryItem{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return items, nil
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return items, nil
	}
	var wrapped struct {
		Items   []HistoryItem `json:"items"`
		History []HistoryItem `json:"history"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if wrapped.Items != nil {
		return wrapped.Items, nil
	}
	if wrapped.History != nil {
		return wrapped.History, nil
	}
	return items, nil
}

// ExchangeCode completes an OAuth login for provider with the authorization
// code, associating the anonymous id with the account.
func (c *Client) ExchangeCode(ctx context.Context, provider, code, anonymousID string) (*LoginResult, error) {
	if provider == "" || code == "" {
		return nil, errors.New("provider and code are required")
	}
	body := map[string]string{"code": code}
	if anonymousID != "" {
		body["anonymous_user_id"] = anonymousID
	}

	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/"+url.PathEscape(provider)+"-login", "", body, &resp); err != nil {
		return nil, err
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if (resp.Success != nil && !*resp.Success) || token == "" {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("Failed to complete %s login.", provider)
		}
		return nil, errors.New(msg)
	}

	credits := DefaultLoginCredits
	if resp.Credits != nil {
		credits = *resp.Credits
	}
	return &LoginResult{Token: token, Username: resp.Username, Credits: credits}, nil
}

// AuthorizeURL is where the user is sent to start a provider login.
func (c *Client) AuthorizeURL(provider, anonymousID string) string {
	u := c.baseURL + "/api/auth/" + url.PathEscape(provider) + "/authorize"
	if anonymousID != "" {
		u += "?" + url.Values{"anonymous_user_id": {anonymousID}}.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("remote: request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(payload)) > c.maxResponse {
		c.log.Warn("remote: response exceeds limit", zap.String("path", path), zap.Int64("limit", c.maxResponse))
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, path, c.maxResponse)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
		c.log.Warn("remote: unexpected status", zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("message", httpErr.Message))
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func errorMessage(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		for _, msg := range []string{body.Error, body.Message, body.Detail} {
			if msg != "" {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
