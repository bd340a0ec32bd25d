package references

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

	"refmanager/api/internal/events"
)

// APIError is a non-2xx response from the reference manager API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the reference manager HTTP API.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) Token() string { return c.token }

type UploadTargetRequest struct {
	FileName       string `json:"filename"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

var (
	ErrEmptyFileName = errors.New("file name is required")
	ErrMissingTarget = errors.New("organization and project are required")
)

func (r UploadTargetRequest) Validate() error {
	if strings.TrimSpace(r.FileName) == "" {
		return ErrEmptyFileName
	}
	if strings.TrimSpace(r.OrganizationID) == "" || strings.TrimSpace(r.ProjectID) == "" {
		return ErrMissingTarget
	}
	return nil
}

// UploadTargetIssuer obtains a temporary write URL for one file.
type UploadTargetIssuer interface {
	RequestUploadTarget(ctx context.Context, req UploadTargetRequest) (string, error)
}

// RequestUploadTarget asks the server for a presigned PUT URL.
func (c *Client) RequestUploadTarget(ctx context.Context, req UploadTargetRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/citation_entry/upload_pdfs", nil, req, &raw); err != nil {
		return "", fmt.Errorf("request upload target for %s: %w", req.FileName, err)
	}
	target, err := parseUploadTarget(raw)
	if err != nil {
		return "", fmt.Errorf("request upload target for %s: %w", req.FileName, err)
	}
	return target, nil
}

// parseUploadTarget accepts a bare JSON string or an object carrying
// presigned_url or url.
func parseUploadTarget(raw json.RawMessage) (string, error) {
	var target string
	if err := json.Unmarshal(raw, &target); err != nil {
		var obj struct {
			PresignedURL string `json:"presigned_url"`
			URL          string `json:"url"`
		}
		if objErr := json.Unmarshal(raw, &obj); objErr != nil {
			return "", fmt.Errorf("unexpected upload target response")
		}
		target = obj.PresignedURL
		if target == "" {
			target = obj.URL
		}
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty upload target")
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("upload target %q is not an absolute url", target)
	}
	return target, nil
}

type LoginResult struct {
	Token         string                   `json:"token"`
	UserName      string                   `json:"userName"`
	UserID        string                   `json:"userId"`
	Organizations []OrganizationMembership `json:"organizations,omitempty"`
}

type OrganizationMembership struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Login mints a token for name and stores it on the client.
func (c *Client) Login(ctx context.Context, name string) (LoginResult, error) {
	var result LoginResult
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/api/session/login", nil, body, &result); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	c.token = result.Token
	return result, nil
}

func (c *Client) FetchProjects(ctx context.Context, organizationID string) ([]Project, error) {
	var body struct {
		Projects []Project `json:"projects"`
	}
	query := url.Values{"organization": {organizationID}}
	if err := c.do(ctx, http.MethodGet, "/api/citation_project/get_projects", query, nil, &body); err != nil {
		return nil, fmt.Errorf("fetch projects: %w", err)
	}
	return body.Projects, nil
}

func (c *Client) ListCitations(ctx context.Context, organizationID, projectID string) ([]events.Citation, error) {
	var body struct {
		Citations []events.Citation `json:"citations"`
	}
	query := url.Values{"organization_id": {organizationID}}
	if projectID != "" {
		query.Set("project_id", projectID)
	}
	if err := c.do(ctx, http.MethodGet, "/api/citation_entry", query, nil, &body); err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	return body.Citations, nil
}

// RemoveCitations deletes citations and returns how many the server removed.
func (c *Client) RemoveCitations(ctx context.Context, ids []string) (int, error) {
	var body struct {
		Removed int `json:"removed"`
	}
	req := map[string]any{"citation_entry_ids": ids}
	if err := c.do(ctx, http.MethodPost, "/api/citation_entry/remove", nil, req, &body); err != nil {
		return 0, fmt.Errorf("remove citations: %w", err)
	}
	return body.Removed, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		if body.Error != "" {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}
