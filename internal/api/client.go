package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/walle-ai/walle/internal/domain"
)

// AuthHeader is the custom header carrying the pairing token.
const AuthHeader = "x-eve-token"

// ErrUnauthorized is returned when the server rejects the token (401).
var ErrUnauthorized = errors.New("auth token rejected")

// APIError is a non-2xx response from the Eve server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eve api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to one Eve server. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	authInvalidOnce sync.Once
	onAuthInvalid   func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAuthInvalidatedHook registers a callback fired (once per client)
// the first time the server answers 401. The session layer uses it to
// drop into the re-pairing flow.
func WithAuthInvalidatedHook(hook func()) Option {
	return func(c *Client) { c.onAuthInvalid = hook }
}

// NewClient creates a client for the Eve server at baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a JSON request and decodes the JSON response into out
// (skipped when out is nil).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set(AuthHeader, c.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if response.StatusCode == http.StatusUnauthorized {
		c.fireAuthInvalidated()
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return readAPIError(response)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) fireAuthInvalidated() {
	c.authInvalidOnce.Do(func() {
		c.logger.Warn("auth token invalidated by server")
		if c.onAuthInvalid != nil {
			c.onAuthInvalid()
		}
	})
}

func readAPIError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))

	var wireError struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := string(body)
	if json.Unmarshal(body, &wireError) == nil {
		if wireError.Message != "" {
			message = wireError.Message
		} else if wireError.Error != "" {
			message = wireError.Error
		}
	}
	return &APIError{StatusCode: response.StatusCode, Message: message}
}

// GetHealth checks server liveness.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetJobs lists jobs matching the filter.
func (c *Client) GetJobs(ctx context.Context, filter JobFilter) (*JobList, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/jobs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var list JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// UpdateJob pushes a partial update and returns the server's version of
// the job.
func (c *Client) UpdateJob(ctx context.Context, id int64, patch JobPatch) (*domain.Job, error) {
	var job domain.Job
	path := fmt.Sprintf("/jobs/%d", id)
	if err := c.do(ctx, http.MethodPatch, path, patch, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetResumes lists all resumes.
func (c *Client) GetResumes(ctx context.Context) ([]*domain.Resume, error) {
	var wrapper struct {
		Resumes []*domain.Resume `json:"resumes"`
	}
	if err := c.do(ctx, http.MethodGet, "/resumes", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Resumes, nil
}

// CreateResume uploads a new base resume.
func (c *Client) CreateResume(ctx context.Context, request CreateResumeRequest) (*domain.Resume, error) {
	var resume domain.Resume
	if err := c.do(ctx, http.MethodPost, "/resumes", request, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

// UpdateResume replaces a resume's content.
func (c *Client) UpdateResume(ctx context.Context, id int64, content string) (*domain.Resume, error) {
	var resume domain.Resume
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/resumes/%d", id), body, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

// TailorResume asks the server to generate (or regenerate, when
// forceNew) a tailored resume version for the job.
func (c *Client) TailorResume(ctx context.Context, jobID, resumeID int64, forceNew bool) (*domain.TailoredResume, error) {
	var tailored domain.TailoredResume
	request := TailorRequest{ResumeID: resumeID, ForceNew: forceNew}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tailor/%d", jobID), request, &tailored); err != nil {
		return nil, err
	}
	return &tailored, nil
}

// GetTailoredResumes lists the tailored versions for a job.
func (c *Client) GetTailoredResumes(ctx context.Context, jobID int64) ([]*domain.TailoredResume, error) {
	var wrapper struct {
		Versions []*domain.TailoredResume `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tailor/%d", jobID), nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Versions, nil
}

// UpdateTailoredResume saves user edits to a tailored version.
func (c *Client) UpdateTailoredResume(ctx context.Context, id int64, content string) (*domain.TailoredResume, error) {
	var tailored domain.TailoredResume
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tailor/%d", id), body, &tailored); err != nil {
		return nil, err
	}
	return &tailored, nil
}

// VerifyToken checks a token against a server without constructing a
// full client. Used by the pairing flow before credentials are saved.
func VerifyToken(ctx context.Context, httpClient *http.Client, serverURL, token string) (bool, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/auth/verify", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set(AuthHeader, token)

	response, err := httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	return response.StatusCode == http.StatusOK, nil
}

// Pair requests a pairing token from a server. Passing the previous
// token lets the server replace an existing pairing; without it a 409
// answer is reported through PairResult.Conflict.
func Pair(ctx context.Context, httpClient *http.Client, serverURL, oldToken string) (*PairResult, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	body := map[string]string{}
	if oldToken != "" {
		body["oldToken"] = oldToken
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/auth/pair", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusConflict {
		return &PairResult{Conflict: true}, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, readAPIError(response)
	}

	var wire struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode pairing response: %w", err)
	}
	if wire.Token == "" {
		return nil, errors.New("pairing response missing token")
	}
	return &PairResult{Token: wire.Token}, nil
}
