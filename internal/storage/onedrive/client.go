// Package onedrive talks to a OneDrive / SharePoint drive through Microsoft
// Graph. Client is the backup store; EditFolder, obtained from a Client, is
// the folder documents are checked out to for desktop editing.
//
// Each Client owns its OAuth token state. The access token is derived from a
// long-lived refresh token and is replaced on RefreshCredentials.
package onedrive

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
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/roach88/docmirror/internal/storage"
)

const (
	backend = "onedrive"

	DefaultGraphURL = "https://graph.microsoft.com/v1.0"
	DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	// Graph accepts at most 4 MiB through a simple PUT.
	simpleUploadLimit = 4 << 20
	// Upload session chunks must be multiples of 320 KiB.
	uploadChunkSize = 5 << 20
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"offline_access", "Files.ReadWrite.All"}

// Config carries the app registration, refresh token and target folders.
type Config struct {
	GraphURL     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string

	// DriveID selects a drive; empty means the signed-in user's drive.
	DriveID string
	// Folder is the backup folder path under the drive root.
	Folder string
	// EditFolder is the checkout folder path under the drive root.
	EditFolder string

	// HTTPClient is the base client for token and Graph calls.
	HTTPClient *http.Client
}

// Client is the Graph-backed backup store.
type Client struct {
	driveURL string
	folder   string
	edit     string

	tokens *tokenState
	api    *http.Client // adds bearer tokens
	raw    *http.Client // upload-session chunks carry no Authorization

	simpleLimit int
	chunkSize   int
}

var (
	_ storage.Backup    = (*Client)(nil)
	_ storage.Checker   = (*Client)(nil)
	_ storage.Refresher = (*Client)(nil)
)

// New creates a Client. Missing app credentials or refresh token are
// storage.ErrNotConfigured.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("onedrive: %w", storage.ErrNotConfigured)
	}
	graphURL := strings.TrimSuffix(orDefault(cfg.GraphURL, DefaultGraphURL), "/")
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	tokens := &tokenState{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  orDefault(cfg.TokenURL, DefaultTokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: scopes,
		},
		ctx:     context.WithValue(context.Background(), oauth2.HTTPClient, base),
		refresh: cfg.RefreshToken,
	}
	tokens.reset()

	driveURL := graphURL + "/me/drive"
	if cfg.DriveID != "" {
		driveURL = graphURL + "/drives/" + url.PathEscape(cfg.DriveID)
	}

	return &Client{
		driveURL: driveURL,
		folder:   strings.Trim(cfg.Folder, "/"),
		edit:     strings.Trim(cfg.EditFolder, "/"),
		tokens:   tokens,
		api: &http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: base.Transport},
			Timeout:   base.Timeout,
		},
		raw:         base,
		simpleLimit: simpleUploadLimit,
		chunkSize:   uploadChunkSize,
	}, nil
}

// RefreshCredentials discards the cached access token. The next request
// exchanges the most recent refresh token for a new one.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	c.tokens.reset()
	return nil
}

// Check fetches the drive resource.
func (c *Client) Check(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.driveURL, nil, "", "check", "", nil)
}

// tokenState wraps an oauth2 token source and remembers the newest refresh
// token, which Microsoft rotates on every exchange.
type tokenState struct {
	conf *oauth2.Config
	ctx  context.Context

	mu      sync.Mutex
	refresh string
	src     oauth2.TokenSource
}

func (s *tokenState) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		s.mu.Lock()
		s.refresh = tok.RefreshToken
		s.mu.Unlock()
	}
	return tok, nil
}

func (s *tokenState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A past, non-zero expiry forces an exchange on first use.
	s.src = s.conf.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.refresh, Expiry: time.Unix(1, 0)})
}

// driveItem is the subset of the Graph driveItem resource docmirror reads.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	Description          string    `json:"description"`
	Folder               *struct{} `json:"folder,omitempty"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one Graph request and decodes a JSON response into out when it
// is non-nil. Non-2xx responses become RemoteErrors.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType, op, key string, out any) error {
	return c.send(ctx, c.api, method, target, body, contentType, nil, op, key, out)
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, target string, body io.Reader, contentType string, header http.Header, op, key string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("onedrive.%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := hc.Do(req)
	if err != nil {
		return transportError(op, key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(op, key, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		if _, err := io.Copy(w, resp.Body); err != nil {
			return storage.NewRemoteError(backend, op, key, 0, err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return storage.NewRemoteError(backend, op, key, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func responseError(op, key string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var ge graphError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
		msg = ge.Error.Code + ": " + ge.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return storage.NewRemoteError(backend, op, key, resp.StatusCode, errors.New(msg))
}

// transportError classifies a failed round trip. A rejected refresh token
// surfaces here wrapped in *url.Error, which would otherwise look like a
// transient network failure.
func transportError(op, key string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusUnauthorized
		if re.Response != nil && re.Response.StatusCode != http.StatusUnauthorized {
			status = http.StatusForbidden
		}
		return storage.NewRemoteError(backend, op, key, status, fmt.Errorf("token refresh: %w", err))
	}
	return storage.NewRemoteError(backend, op, key, 0, err)
}

// itemPath addresses a file by path under the drive root.
func (c *Client) itemPath(folder, name, suffix string) string {
	var segs []string
	for _, s := range strings.Split(strings.Trim(folder+"/"+name, "/"), "/") {
		if s != "" {
			segs = append(segs, url.PathEscape(s))
		}
	}
	if len(segs) == 0 {
		return c.driveURL + "/root" + suffix
	}
	return c.driveURL + "/root:/" + strings.Join(segs, "/") + ":" + suffix
}

func (c *Client) itemURL(id, suffix string) string {
	return c.driveURL + "/items/" + url.PathEscape(id) + suffix
}

// upload writes data to folder/name, replacing any existing file, and returns
// the resulting item.
func (c *Client) upload(ctx context.Context, folder, name string, data []byte, contentType, op string) (*driveItem, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var item driveItem
	if len(data) <= c.simpleLimit {
		err := c.do(ctx, http.MethodPut, c.itemPath(folder, name, "/content"), bytes.NewReader(data), contentType, op, name, &item)
		if err != nil {
			return nil, err
		}
		return &item, nil
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	reqBody := `{"item":{"@microsoft.graph.conflictBehavior":"replace"}}`
	err := c.do(ctx, http.MethodPost, c.itemPath(folder, name, "/createUploadSession"), strings.NewReader(reqBody), "application/json", op, name, &session)
	if err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, storage.NewRemoteError(backend, op, name, 0, errors.New("upload session has no uploadUrl"))
	}

	total := len(data)
	for start := 0; start < total; start += c.chunkSize {
		end := min(start+c.chunkSize, total)
		header := http.Header{"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", start, end-1, total)}}
		var out any
		if end == total {
			out = &item
		}
		if err := c.send(ctx, c.raw, http.MethodPut, session.UploadURL, bytes.NewReader(data[start:end]), "", header, op, name, out); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("onedrive: encode request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
