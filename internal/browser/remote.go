package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marketsync/marketsync/internal/store"
)

// RemoteDriver talks to a browser automation agent over HTTP. The agent owns
// the actual headless browsers; this client only moves session blobs and
// extraction results across the wire.
type RemoteDriver struct {
	BaseURL string
	HTTP    *http.Client
}

// NewRemoteDriver creates a driver for the agent at baseURL.
func NewRemoteDriver(baseURL string, navTimeout time.Duration) *RemoteDriver {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &RemoteDriver{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: navTimeout},
	}
}

// agent error codes mapped onto the typed failure taxonomy.
const (
	codeProxyUnreachable = "proxy_unreachable"
	codeSessionRejected  = "session_rejected"
	codeSelectorTimeout  = "selector_timeout"
)

type agentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WithSession opens a browser context on the agent loading the account's
// stored session and proxy configuration.
func (d *RemoteDriver) WithSession(ctx context.Context, acct *store.Account) (Session, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	req := map[string]any{
		"proxy_url":    acct.ProxyURL,
		"session_blob": acct.SessionBlob,
	}
	if err := d.do(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &remoteSession{driver: d, id: resp.SessionID}, nil
}

func (d *RemoteDriver) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var ae agentError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, &ae)
		switch ae.Code {
		case codeProxyUnreachable:
			return ErrProxyExpired
		case codeSessionRejected:
			return ErrCookiesExpired
		case codeSelectorTimeout:
			return ErrSelectorTimeout
		}
		return fmt.Errorf("agent %s %s: status %d: %s", method, path, resp.StatusCode, ae.Message)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type remoteSession struct {
	driver *RemoteDriver
	id     string
}

func (s *remoteSession) path(suffix string) string {
	return "/sessions/" + s.id + suffix
}

func (s *remoteSession) Goto(ctx context.Context, url string) error {
	return s.driver.do(ctx, http.MethodPost, s.path("/goto"), map[string]string{"url": url}, nil)
}

func (s *remoteSession) IsLoginPrompt(ctx context.Context) (bool, error) {
	var resp struct {
		LoginPrompt bool `json:"login_prompt"`
	}
	if err := s.driver.do(ctx, http.MethodGet, s.path("/login_prompt"), nil, &resp); err != nil {
		return false, err
	}
	return resp.LoginPrompt, nil
}

func (s *remoteSession) Threads(ctx context.Context) ([]Thread, error) {
	var resp struct {
		Threads []Thread `json:"threads"`
	}
	if err := s.driver.do(ctx, http.MethodGet, s.path("/threads"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func (s *remoteSession) ScrollThreads(ctx context.Context) error {
	return s.driver.do(ctx, http.MethodPost, s.path("/threads/scroll"), nil, nil)
}

func (s *remoteSession) PartnerName(ctx context.Context) (string, error) {
	var resp struct {
		PartnerName string `json:"partner_name"`
	}
	if err := s.driver.do(ctx, http.MethodGet, s.path("/partner"), nil, &resp); err != nil {
		return "", err
	}
	return resp.PartnerName, nil
}

func (s *remoteSession) Rows(ctx context.Context) ([]Row, error) {
	var resp struct {
		Rows []Row `json:"rows"`
	}
	if err := s.driver.do(ctx, http.MethodGet, s.path("/rows"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (s *remoteSession) LoadOlder(ctx context.Context) (bool, error) {
	var resp struct {
		Grew bool `json:"grew"`
	}
	if err := s.driver.do(ctx, http.MethodPost, s.path("/rows/older"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Grew, nil
}

func (s *remoteSession) ExportSession(ctx context.Context) ([]byte, error) {
	var resp struct {
		SessionBlob []byte `json:"session_blob"`
	}
	if err := s.driver.do(ctx, http.MethodGet, s.path("/export"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.SessionBlob, nil
}

func (s *remoteSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.driver.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}
