package api

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

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/telemetry"
)

const defaultRequestTimeout = 30 * time.Second

// CredentialProvider supplies the bearer credential attached to backend calls.
// The engine does not own sessions; it asks this collaborator at call time.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials is a CredentialProvider returning one fixed token.
type StaticCredentials string

// Token returns the fixed credential.
func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}

// Option customizes client construction.
type Option func(*Client)

// WithHTTPClient configures the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithCredentials configures the credential provider.
func WithCredentials(credentials CredentialProvider) Option {
	return func(c *Client) {
		c.credentials = credentials
	}
}

// WithRequestTimeout configures the per-request timeout for non-streaming calls.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is a typed HTTP client for the generation/execution backend.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	credentials    CredentialProvider
	requestTimeout time.Duration
	logger         *log.Logger
}

// NewClient constructs a backend client rooted at baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	client := &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// Run opens the execution stream for one project. The returned stream stays
// open until the run ends, the context is cancelled, or Close is called.
func (c *Client) Run(ctx context.Context, projectID string, commands []string) (*Stream, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}

	endpoint := "/run/" + url.PathEscape(projectID)
	callCtx, call := telemetry.StartRemoteCall(ctx, telemetry.RemoteCallRequest{
		Operation: "run",
		Endpoint:  endpoint,
		ProjectID: projectID,
	})

	body := map[string][]string{"commands": commands}
	req, err := c.newRequest(callCtx, http.MethodPost, endpoint, body)
	if err != nil {
		call.End(0, err)
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("open execution stream for %s: %w", projectID, err)
		call.End(0, wrapped)
		return nil, wrapped
	}
	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)
		wrapped := fmt.Errorf("open execution stream for %s: unexpected status %d", projectID, resp.StatusCode)
		call.End(resp.StatusCode, wrapped)
		return nil, wrapped
	}

	// The stream owns the span from here; Close ends it with the frame count.
	return newStream(resp.Body, c.logger, call), nil
}

// Stop requests a best-effort halt of remote execution for one project.
func (c *Client) Stop(ctx context.Context, projectID string) error {
	if c == nil {
		return errors.New("client is nil")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("project id must not be empty")
	}

	var ignored struct{}
	return c.doJSON(ctx, http.MethodPost, "/stop/"+url.PathEscape(projectID), nil, &ignored)
}

// SyncFile writes one file's content to the remote store.
func (c *Client) SyncFile(ctx context.Context, request SyncRequest) (SyncResult, error) {
	if c == nil {
		return SyncResult{}, errors.New("client is nil")
	}
	request.ProjectID = strings.TrimSpace(request.ProjectID)
	request.Path = strings.TrimSpace(request.Path)
	if request.ProjectID == "" {
		return SyncResult{}, errors.New("project id must not be empty")
	}
	if request.Path == "" {
		return SyncResult{}, errors.New("path must not be empty")
	}
	if strings.TrimSpace(request.Language) == "" {
		request.Language = LanguageForPath(request.Path)
	}

	var result SyncResult
	if err := c.doJSON(ctx, http.MethodPost, "/sync", request, &result); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

// Progress fetches the current generation manifest for one project.
func (c *Client) Progress(ctx context.Context, projectID string) (GenerationProgress, error) {
	if c == nil {
		return GenerationProgress{}, errors.New("client is nil")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return GenerationProgress{}, errors.New("project id must not be empty")
	}

	var progress GenerationProgress
	if err := c.doJSON(ctx, http.MethodGet, "/progress/"+url.PathEscape(projectID), nil, &progress); err != nil {
		return GenerationProgress{}, err
	}
	return progress, nil
}

// FileContent fetches the raw content of one generated file.
func (c *Client) FileContent(ctx context.Context, projectID, path string) (string, error) {
	if c == nil {
		return "", errors.New("client is nil")
	}
	projectID = strings.TrimSpace(projectID)
	path = strings.TrimSpace(path)
	if projectID == "" {
		return "", errors.New("project id must not be empty")
	}
	if path == "" {
		return "", errors.New("path must not be empty")
	}

	endpoint := "/files/" + url.PathEscape(projectID) + "?path=" + url.QueryEscape(path)
	var response fileContentResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return "", err
	}
	return response.Content, nil
}

// SubmitReport sends one accumulated error report to the auto-repair channel.
func (c *Client) SubmitReport(ctx context.Context, report ErrorReport) error {
	if c == nil {
		return errors.New("client is nil")
	}
	report.ProjectID = strings.TrimSpace(report.ProjectID)
	if report.ProjectID == "" {
		return errors.New("project id must not be empty")
	}
	if len(report.Lines) == 0 {
		return errors.New("report lines must not be empty")
	}

	var ignored struct{}
	return c.doJSON(ctx, http.MethodPost, "/repair/"+url.PathEscape(report.ProjectID), report, &ignored)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	callCtx, call := telemetry.StartRemoteCall(requestCtx, telemetry.RemoteCallRequest{
		Operation: method,
		Endpoint:  endpoint,
	})
	statusCode := 0
	defer func() { call.End(statusCode, err) }()

	req, err := c.newRequest(callCtx, method, endpoint, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer drainAndClose(resp.Body)
	statusCode = resp.StatusCode

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response for %s %s: %w", method, endpoint, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, endpoint, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body for %s: %w", endpoint, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve credential for %s: %w", endpoint, err)
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}

	return req, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
