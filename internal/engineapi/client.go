package engineapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"helmsman/pkg/logging"
)

// Client talks to the engine's local control API. All methods are safe for
// concurrent use; the zero value is not usable, construct with NewClient.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient returns a client for the control API at host:port. secret may be
// empty when the API is unauthenticated.
func NewClient(host string, port int, secret string) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", port))),
		secret:  secret,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// VersionInfo is the engine's version report.
type VersionInfo struct {
	Version string `json:"version"`
	Premium bool   `json:"premium,omitempty"`
}

// Version returns the engine's reported version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var info VersionInfo
	if err := c.get(ctx, "/version", &info); err != nil {
		return "", err
	}
	return info.Version, nil
}

// GetConfig returns the engine's effective runtime configuration as a raw
// JSON object. An empty or missing body yields an empty map, not an error.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	if err := c.get(ctx, "/configs", &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReloadConfig instructs the engine to load the configuration file at path.
// An empty path reloads the engine's current file. force skips the engine's
// own change detection.
func (c *Client) ReloadConfig(ctx context.Context, path string, force bool) error {
	endpoint := "/configs"
	if force {
		endpoint += "?force=true"
	}
	body := map[string]string{"path": path}
	return c.do(ctx, http.MethodPut, endpoint, body)
}

// PatchConfig applies a partial runtime configuration change without a full
// reload.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/configs", patch)
}

// SetAllowLAN toggles whether the engine accepts connections from the LAN.
func (c *Client) SetAllowLAN(ctx context.Context, allow bool) error {
	return c.PatchConfig(ctx, map[string]any{"allow-lan": allow})
}

// SetIPv6 toggles IPv6 resolution in the engine.
func (c *Client) SetIPv6(ctx context.Context, enable bool) error {
	return c.PatchConfig(ctx, map[string]any{"ipv6": enable})
}

// SetMode switches the engine's traffic mode (rule, global or direct).
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.PatchConfig(ctx, map[string]any{"mode": mode})
}

// SetLogLevel changes the engine-side log level.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	return c.PatchConfig(ctx, map[string]any{"log-level": level})
}

// SetTUN enables or disables the engine's TUN device.
func (c *Client) SetTUN(ctx context.Context, enable bool, stack, device string) error {
	tun := map[string]any{"enable": enable}
	if stack != "" {
		tun["stack"] = stack
	}
	if device != "" {
		tun["device"] = device
	}
	return c.PatchConfig(ctx, map[string]any{"tun": tun})
}

// StatusError is returned for non-2xx responses from the control API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine API returned status %d", e.Code)
	}
	return fmt.Sprintf("engine API returned status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err looks like the engine is still coming up
// rather than genuinely broken. Connection refusals and timeouts are
// transient; HTTP-level errors and malformed responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Dial failures mean the listener is not up yet.
		return opErr.Op == "dial"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}
	return false
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read engine API response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode engine API response from %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode engine API request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp)
		logging.Debug("EngineAPI", "%s %s failed: %v", method, endpoint, err)
		return err
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
