package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists means the panel already holds a credential with the
	// same alias or id. The caller decides whether that is a retried add
	// (success) or remote drift (conflict for reconciliation).
	ErrAlreadyExists = errors.New("panel: credential already exists")

	// ErrNotFound means the panel has no record for the identifier
	ErrNotFound = errors.New("panel: not found")

	// ErrUnavailable is a transport or panel-side failure that survived the
	// retry budget
	ErrUnavailable = errors.New("panel: unavailable")
)

const (
	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

// Credential is the primitive-field view of a grant the panel needs. The
// gateway never retains these; lifecycle bookkeeping stays in the ledger.
type Credential struct {
	GrantID      string
	AccessSecret string
	RoutingAlias string
	OwnerID      string
	QuotaBytes   int64
	ExpiresAt    *time.Time
}

// Usage is a live traffic snapshot reported by the panel
type Usage struct {
	UploadedBytes   int64
	DownloadedBytes int64
	TotalQuotaBytes int64
}

// Config holds panel connection settings
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BasePath  string
	UseSSL    bool
	InboundID int
	Timeout   time.Duration
}

// BaseURL builds the panel root URL from the config
func (c Config) BaseURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	path := strings.Trim(c.BasePath, "/")
	if path != "" {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, path)
}

// Client talks to the x-ui style panel that enforces quotas and counts bytes.
// It owns retry and session concerns; every operation returns an explicit
// success or failure, never a silently swallowed error.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// NewClient creates a panel client. No network activity until the first call.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
	}
}

// envelope is the panel's uniform response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// wireClient mirrors the panel's client JSON inside inbound settings
type wireClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Flow       string `json:"flow"`
	TotalBytes int64  `json:"totalGB"` // named GB, valued in bytes
	ExpiryTime int64  `json:"expiryTime"`
	LimitIP    int    `json:"limitIp"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
}

func toWire(cred Credential) wireClient {
	var expiryMs int64
	if cred.ExpiresAt != nil {
		expiryMs = cred.ExpiresAt.UnixMilli()
	}
	return wireClient{
		ID:         cred.AccessSecret,
		Email:      cred.RoutingAlias,
		Enable:     true,
		TotalBytes: cred.QuotaBytes,
		ExpiryTime: expiryMs,
		TgID:       cred.OwnerID,
		SubID:      cred.GrantID,
	}
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL()+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel login: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("panel login: decode response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("panel login rejected: %s", env.Msg)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

func (c *Client) ensureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	logged := c.loggedIn
	c.mu.Unlock()
	if logged {
		return nil
	}
	return c.login(ctx)
}

// request performs an authenticated panel call with bounded retry and backoff.
// Transport errors and 5xx responses are retried; a session bounce triggers a
// single re-login.
func (c *Client) request(ctx context.Context, method, endpoint string, form url.Values) (*envelope, error) {
	if err := c.ensureLoggedIn(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var lastErr error
	backoff := retryBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		env, retryable, err := c.doOnce(ctx, method, endpoint, form)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, form url.Values) (*envelope, bool, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL()+endpoint, body)
	if err != nil {
		return nil, false, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("panel returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Session expired - re-login and let the retry loop take another pass
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		if err := c.login(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, fmt.Errorf("panel session expired")
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, true, fmt.Errorf("decode panel response: %w", err)
	}

	return &env, false, nil
}

// AddCredential registers a credential with the panel. A duplicate alias/id is
// reported as ErrAlreadyExists so the caller can distinguish a retried add
// from remote drift.
func (c *Client) AddCredential(ctx context.Context, cred Credential) error {
	settings, err := json.Marshal(map[string]interface{}{
		"clients": []wireClient{toWire(cred)},
	})
	if err != nil {
		return err
	}

	form := url.Values{
		"id":       {fmt.Sprint(c.cfg.InboundID)},
		"settings": {string(settings)},
	}

	env, err := c.request(ctx, http.MethodPost, "/panel/inbound/addClient", form)
	if err != nil {
		return err
	}
	if !env.Success {
		if isDuplicateMsg(env.Msg) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: add credential: %s", ErrUnavailable, env.Msg)
	}
	return nil
}

// UpdateQuota changes the volume bound of an existing credential. The panel
// updates clients wholesale, so the current record is fetched and patched.
func (c *Client) UpdateQuota(ctx context.Context, accessSecret string, quotaBytes int64) error {
	client, err := c.findClient(ctx, accessSecret)
	if err != nil {
		return err
	}

	client.TotalBytes = quotaBytes
	settings, err := json.Marshal(map[string]interface{}{
		"clients": []wireClient{*client},
	})
	if err != nil {
		return err
	}

	form := url.Values{
		"id":       {fmt.Sprint(c.cfg.InboundID)},
		"settings": {string(settings)},
	}

	env, err := c.request(ctx, http.MethodPost, "/panel/inbound/updateClient/"+accessSecret, form)
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: update quota: %s", ErrUnavailable, env.Msg)
	}
	return nil
}

// DeleteCredential removes a credential from the panel. Deleting one that no
// longer exists is success - the operation is idempotent by contract.
func (c *Client) DeleteCredential(ctx context.Context, accessSecret string) error {
	endpoint := fmt.Sprintf("/panel/inbound/%d/delClient/%s", c.cfg.InboundID, accessSecret)

	env, err := c.request(ctx, http.MethodPost, endpoint, url.Values{})
	if err != nil {
		return err
	}
	if !env.Success {
		if isMissingMsg(env.Msg) {
			return nil
		}
		return fmt.Errorf("%w: delete credential: %s", ErrUnavailable, env.Msg)
	}
	return nil
}

// wireTraffic is the panel's client traffic record
type wireTraffic struct {
	Email string `json:"email"`
	Up    int64  `json:"up"`
	Down  int64  `json:"down"`
	Total int64  `json:"total"`
}

// FetchUsage returns the live traffic counters for a routing alias
func (c *Client) FetchUsage(ctx context.Context, alias string) (*Usage, error) {
	env, err := c.request(ctx, http.MethodGet, "/panel/inbound/getClientTraffics/"+alias, nil)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: fetch usage: %s", ErrUnavailable, env.Msg)
	}
	if len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil, ErrNotFound
	}

	var t wireTraffic
	if err := json.Unmarshal(env.Obj, &t); err != nil {
		return nil, fmt.Errorf("decode traffic record: %w", err)
	}

	return &Usage{
		UploadedBytes:   t.Up,
		DownloadedBytes: t.Down,
		TotalQuotaBytes: t.Total,
	}, nil
}

// wireInbound is the subset of the panel's inbound record the gateway reads
type wireInbound struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// ListActiveIdentifiers returns the routing aliases of every credential the
// panel currently carries. Used by sweeps to detect drift: credentials deleted
// out-of-band, or orphans from interrupted issuance.
func (c *Client) ListActiveIdentifiers(ctx context.Context) ([]string, error) {
	clients, err := c.listClients(ctx)
	if err != nil {
		return nil, err
	}

	aliases := make([]string, 0, len(clients))
	for _, cl := range clients {
		if cl.Email != "" {
			aliases = append(aliases, cl.Email)
		}
	}
	return aliases, nil
}

// FindSecretByAlias resolves a routing alias to the panel-side credential id.
// Needed because delete is keyed on the id while drift detection works on
// aliases.
func (c *Client) FindSecretByAlias(ctx context.Context, alias string) (string, error) {
	clients, err := c.listClients(ctx)
	if err != nil {
		return "", err
	}
	for i := range clients {
		if clients[i].Email == alias {
			return clients[i].ID, nil
		}
	}
	return "", ErrNotFound
}

// findClient locates a client record by its panel-side id
func (c *Client) findClient(ctx context.Context, accessSecret string) (*wireClient, error) {
	clients, err := c.listClients(ctx)
	if err != nil {
		return nil, err
	}
	for i := range clients {
		if clients[i].ID == accessSecret {
			return &clients[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) listClients(ctx context.Context) ([]wireClient, error) {
	env, err := c.request(ctx, http.MethodPost, "/panel/inbound/list", url.Values{})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: list inbounds: %s", ErrUnavailable, env.Msg)
	}

	var inbounds []wireInbound
	if err := json.Unmarshal(env.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}

	var all []wireClient
	for _, ib := range inbounds {
		if ib.ID != c.cfg.InboundID {
			continue
		}
		var settings struct {
			Clients []wireClient `json:"clients"`
		}
		if err := json.Unmarshal([]byte(ib.Settings), &settings); err != nil {
			log.Printf("Panel: skipping inbound %d with malformed settings: %v", ib.ID, err)
			continue
		}
		all = append(all, settings.Clients...)
	}
	return all, nil
}

func isDuplicateMsg(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate") || strings.Contains(lower, "already exist")
}

func isMissingMsg(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "no client")
}
