// Package client talks to the happysrt thread API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"happysrt/api/internal/thread"
)

const (
	DefaultTimeout  = 60 * time.Second
	GuestCookieName = "hs_guest_id"
)

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	token   string
	guestID string
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithToken signs requests in with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithGuestID resumes a guest identity issued by an earlier session.
func WithGuestID(guestID string) Option {
	return func(c *Client) { c.guestID = strings.TrimSpace(guestID) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GuestID is the guest cookie value the server assigned, if any.
func (c *Client) GuestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guestID
}

type RenameResult struct {
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Storage struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

type DraftResult struct {
	ThreadID       string            `json:"threadId"`
	ItemID         string            `json:"itemId"`
	DraftRev       int64             `json:"draftRev"`
	DraftUpdatedAt *time.Time        `json:"draftUpdatedAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	DraftFile      *thread.DraftFile `json:"draftFile,omitempty"`
	Storage        *Storage          `json:"storage,omitempty"`
}

type Session struct {
	Authenticated bool     `json:"authenticated"`
	UserID        *string  `json:"userId"`
	Email         string   `json:"email,omitempty"`
	Name          string   `json:"name,omitempty"`
	Plan          string   `json:"plan"`
	ThreadLimit   int      `json:"threadLimit"`
	Storage       *Storage `json:"storage,omitempty"`
}

// UploadRequest describes one draft entry. Data is sent as the file part when
// non-empty; URL and video entries carry metadata only.
type UploadRequest struct {
	ThreadID     string
	ItemID       string
	ClientFileID string
	SourceType   string
	URL          string
	Local        *thread.LocalMeta
	Filename     string
	Mime         string
	Data         []byte
}

func (c *Client) CreateThread(ctx context.Context, threadID, title string) (thread.Thread, error) {
	var out struct {
		Thread thread.Thread `json:"thread"`
	}
	err := c.postJSON(ctx, "/api/threads/create", map[string]any{"threadId": threadID, "title": title}, &out)
	if err != nil {
		return thread.Thread{}, err
	}
	return thread.Normalize(out.Thread), nil
}

func (c *Client) RenameThread(ctx context.Context, threadID, title string) (RenameResult, error) {
	var out RenameResult
	err := c.postJSON(ctx, "/api/threads/rename", map[string]any{"threadId": threadID, "title": title}, &out)
	return out, err
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) (time.Time, error) {
	var out struct {
		DeletedAt time.Time `json:"deletedAt"`
	}
	err := c.postJSON(ctx, "/api/threads/delete", map[string]any{"threadId": threadID}, &out)
	return out.DeletedAt, err
}

func (c *Client) GetThread(ctx context.Context, threadID string) (thread.Thread, error) {
	var out struct {
		Thread thread.Thread `json:"thread"`
	}
	if err := c.postJSON(ctx, "/api/threads/get", map[string]any{"threadId": threadID}, &out); err != nil {
		return thread.Thread{}, err
	}
	return thread.Normalize(out.Thread), nil
}

func (c *Client) IndexThreads(ctx context.Context, since *time.Time) (thread.Index, error) {
	body := map[string]any{}
	if since != nil {
		body["since"] = since.UTC().Format(time.RFC3339Nano)
	}
	var out thread.Index
	if err := c.postJSON(ctx, "/api/threads/index", body, &out); err != nil {
		return thread.Index{}, err
	}
	return out, nil
}

func (c *Client) UploadDraft(ctx context.Context, upload UploadRequest) (DraftResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"threadId", upload.ThreadID},
		{"itemId", upload.ItemID},
		{"clientFileId", upload.ClientFileID},
		{"sourceType", upload.SourceType},
		{"url", upload.URL},
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return DraftResult{}, fmt.Errorf("encode upload: %w", err)
		}
	}
	if upload.Local != nil {
		raw, err := json.Marshal(upload.Local)
		if err != nil {
			return DraftResult{}, fmt.Errorf("encode local metadata: %w", err)
		}
		if err := writer.WriteField("localMeta", string(raw)); err != nil {
			return DraftResult{}, fmt.Errorf("encode upload: %w", err)
		}
	}
	if len(upload.Data) > 0 {
		header := make(textproto.MIMEHeader)
		filename := upload.Filename
		if filename == "" {
			filename = "file"
		}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		mime := upload.Mime
		if mime == "" {
			mime = "application/octet-stream"
		}
		header.Set("Content-Type", mime)
		part, err := writer.CreatePart(header)
		if err != nil {
			return DraftResult{}, fmt.Errorf("encode upload: %w", err)
		}
		if _, err := part.Write(upload.Data); err != nil {
			return DraftResult{}, fmt.Errorf("encode upload: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return DraftResult{}, fmt.Errorf("encode upload: %w", err)
	}

	var out DraftResult
	if err := c.do(ctx, http.MethodPost, "/api/threads/draft/upload", writer.FormDataContentType(), &buf, &out); err != nil {
		return DraftResult{}, err
	}
	return out, nil
}

func (c *Client) DeleteDraft(ctx context.Context, threadID, itemID string) (DraftResult, error) {
	var out DraftResult
	err := c.postJSON(ctx, "/api/threads/draft/delete", map[string]any{"threadId": threadID, "itemId": itemID}, &out)
	return out, err
}

func (c *Client) Session(ctx context.Context) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/api/session", "", nil, &out)
	return out, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(raw), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.mu.Lock()
	token, guestID := c.token, c.guestID
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if guestID != "" {
		req.AddCookie(&http.Cookie{Name: GuestCookieName, Value: guestID})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", thread.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	for _, cookie := range resp.Cookies() {
		if cookie.Name == GuestCookieName && cookie.Value != "" {
			c.mu.Lock()
			c.guestID = cookie.Value
			c.mu.Unlock()
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", thread.ErrTransport, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", thread.ErrTransport, path, err)
	}
	return nil
}
