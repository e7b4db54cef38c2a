// Package remote is the HTTP client for the profile, friends and matches
// REST service.
//
// Every method maps a non-2xx status to *APIError; callers decide what a
// status means with Classify. Timeouts belong to the http.Client.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// TokenSource supplies the bearer token of the current session. It returns
// ErrNoSession when the user is signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client calls the remote service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	userAgent  string
}

// NewClient creates a Client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
		userAgent:  "matchbook-core",
	}
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =====================================================
// Profile
// =====================================================

// GetProfile fetches the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (*models.Profile, error) {
	var out models.Profile
	if err := c.doJSON(ctx, http.MethodGet, "/v1/profile", nil, &out); err != nil {
		return nil, err
	}
	return serverProfile(&out), nil
}

// UpdateDisplayName submits a display name with its concurrency token.
func (c *Client) UpdateDisplayName(ctx context.Context, name, updatedAt string) (*models.Profile, error) {
	var out models.Profile
	req := UpdateProfileRequest{DisplayName: name, UpdatedAt: updatedAt}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/profile", req, &out); err != nil {
		return nil, err
	}
	return serverProfile(&out), nil
}

// UploadAvatar streams an avatar image as multipart/form-data.
func (c *Client) UploadAvatar(ctx context.Context, file io.Reader, meta AvatarUpload) (*models.Profile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("updated_at", meta.UpdatedAt); err != nil {
		return nil, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="avatar"; filename=%q`, meta.FileName))
	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/profile/avatar", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out models.Profile
	if _, err := c.send(req, &out); err != nil {
		return nil, err
	}
	return serverProfile(&out), nil
}

// =====================================================
// Friends
// =====================================================

// GetConnections fetches all three partitions. A non-empty etag is sent
// as If-None-Match; a 304 reply yields NotModified with no connections.
func (c *Client) GetConnections(ctx context.Context, etag string) (*ConnectionsResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/friends/connections", nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	var out ConnectionsResult
	resp, err := c.send(req, &out.Connections)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return &ConnectionsResult{NotModified: true, ETag: etag}, nil
	}
	out.ETag = resp.Header.Get("ETag")
	normalizeConnections(&out.Connections)
	return &out, nil
}

// ListFriends is the older unconditional listing, kept for servers that do
// not serve /v1/friends/connections yet.
func (c *Client) ListFriends(ctx context.Context) (*models.Connections, error) {
	var out models.Connections
	if err := c.doJSON(ctx, http.MethodGet, "/v1/friends", nil, &out); err != nil {
		return nil, err
	}
	normalizeConnections(&out)
	return &out, nil
}

// SendFriendRequest creates an outgoing request, deduplicated by
// clientRequestID.
func (c *Client) SendFriendRequest(ctx context.Context, req SendFriendRequestRequest) (*models.FriendRequest, error) {
	var out models.FriendRequest
	if err := c.doJSON(ctx, http.MethodPost, "/v1/friends/requests", req, &out); err != nil {
		return nil, err
	}
	out.Direction = models.DirectionOutgoing
	if out.Status == "" {
		out.Status = models.RequestStatusPending
	}
	return &out, nil
}

// AcceptFriendRequest accepts an incoming request and returns the new friend.
func (c *Client) AcceptFriendRequest(ctx context.Context, id, updatedAt string) (*models.Friend, error) {
	var out AcceptResponse
	if err := c.doJSON(ctx, http.MethodPost, requestPath(id, "accept"), RequestActionRequest{UpdatedAt: updatedAt}, &out); err != nil {
		return nil, err
	}
	return &out.Friend, nil
}

// DeclineFriendRequest declines an incoming request.
func (c *Client) DeclineFriendRequest(ctx context.Context, id, updatedAt string) error {
	return c.doJSON(ctx, http.MethodPost, requestPath(id, "decline"), RequestActionRequest{UpdatedAt: updatedAt}, nil)
}

// CancelFriendRequest withdraws an outgoing request.
func (c *Client) CancelFriendRequest(ctx context.Context, id, updatedAt string) error {
	return c.doJSON(ctx, http.MethodPost, requestPath(id, "cancel"), RequestActionRequest{UpdatedAt: updatedAt}, nil)
}

func requestPath(id, action string) string {
	return "/v1/friends/requests/" + url.PathEscape(id) + "/" + action
}

// =====================================================
// Matches
// =====================================================

// CreateMatch stores a match, deduplicated by ClientMatchID. A duplicate
// submission is answered with 409 and the canonical match id.
func (c *Client) CreateMatch(ctx context.Context, req CreateMatchRequest) (*MatchResponse, error) {
	var out MatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/matches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =====================================================
// Transport
// =====================================================

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, err = c.send(req, out)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.tokens == nil {
		return nil, ErrNoSession
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = "Bearer " + token
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// send executes req, decoding a 2xx body into out. 304 is returned as a
// response without decoding.
func (c *Client) send(req *http.Request, out interface{}) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%s %s: response exceeds %d bytes", req.Method, req.URL.Path, maxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
		}
	}
	return resp, nil
}

// serverProfile drops fields the server never owns.
func serverProfile(p *models.Profile) *models.Profile {
	p.AvatarPath = ""
	p.PendingSync = false
	return p
}

func normalizeConnections(c *models.Connections) {
	if c.Friends == nil {
		c.Friends = []models.Friend{}
	}
	if c.Incoming == nil {
		c.Incoming = []models.FriendRequest{}
	}
	if c.Outgoing == nil {
		c.Outgoing = []models.FriendRequest{}
	}
	for i := range c.Incoming {
		c.Incoming[i].Direction = models.DirectionIncoming
	}
	for i := range c.Outgoing {
		c.Outgoing[i].Direction = models.DirectionOutgoing
	}
}
