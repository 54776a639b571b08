// Package client is the HTTP-over-TLS binding of the sync wire protocol for
// the initiating side of a session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
	"voice-sync/internal/trust"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultBlobTimeout = 5 * time.Minute
)

type Options struct {
	// Identity is presented as the client certificate when set.
	Identity *trust.Identity
	// PinnedFingerprint restricts the server certificate. Empty accepts any
	// certificate so it can be pinned on first use.
	PinnedFingerprint string
	Timeout           time.Duration
	BlobTimeout       time.Duration
	Logger            *zap.SugaredLogger
}

// Client talks to one peer. It is safe for concurrent use.
type Client struct {
	baseURL  string
	local    domain.Device
	http     *http.Client
	blobHTTP *http.Client
	logger   *zap.SugaredLogger
	tokenMu  sync.RWMutex
	token    string
}

// HandshakeResult carries the peer's reply with the local send/receive
// instants needed for skew estimation and the certificate it presented.
type HandshakeResult struct {
	*domain.HandshakeResponse
	SentAt          time.Time
	ReceivedAt      time.Time
	PeerCertificate []byte
}

// ClockSkew is peer_time minus the midpoint of the local round trip.
func (h *HandshakeResult) ClockSkew() time.Duration {
	mid := h.SentAt.Add(h.ReceivedAt.Sub(h.SentAt) / 2)
	return h.ServerTimestamp.Sub(mid)
}

func New(peerURL string, local domain.Device, opts Options) (*Client, error) {
	u, err := url.Parse(peerURL)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid peer url %q", peerURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, errors.Newf("unsupported peer url scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BlobTimeout <= 0 {
		opts.BlobTimeout = DefaultBlobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	transport := &http.Transport{
		TLSClientConfig:     trust.ClientTLSConfig(opts.Identity, opts.PinnedFingerprint),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:  strings.TrimRight(u.String(), "/"),
		local:    local,
		http:     &http.Client{Transport: transport, Timeout: opts.Timeout},
		blobHTTP: &http.Client{Transport: transport, Timeout: opts.BlobTimeout},
		logger:   opts.Logger,
	}, nil
}

// SessionToken returns the token issued by the last handshake.
func (c *Client) SessionToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) setSessionToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) Handshake(ctx context.Context) (*HandshakeResult, error) {
	req := &domain.HandshakeRequest{
		DeviceID:        c.local.ID,
		DeviceName:      c.local.Name,
		ProtocolVersion: domain.ProtocolVersion,
	}

	sent := time.Now()
	resp, err := c.do(ctx, c.http, http.MethodPost, "/sync/handshake", nil, req, "handshake")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	received := time.Now()

	var out domain.HandshakeResponse
	if err := decodeEnvelope(resp, &out, "handshake"); err != nil {
		return nil, err
	}
	if out.DeviceID == "" || out.ServerTimestamp.IsZero() {
		return nil, domain.ProtocolError(errors.New("missing device_id or server_timestamp"), "handshake")
	}
	c.setSessionToken(out.SessionToken)

	result := &HandshakeResult{HandshakeResponse: &out, SentAt: sent, ReceivedAt: received}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		result.PeerCertificate = resp.TLS.PeerCertificates[0].Raw
	}
	return result, nil
}

// GetChanges fetches one page of changes newer than since.
func (c *Client) GetChanges(ctx context.Context, since *time.Time, limit int) (*domain.ChangeBatch, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, c.http, http.MethodGet, "/sync/changes", q, nil, "get_changes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.ChangeBatch
	if err := decodeEnvelope(resp, &out, "get_changes"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Apply pushes changes. Partial (207) and total (422) failures still return
// the per-item response alongside a nil error; callers branch on Status.
func (c *Client) Apply(ctx context.Context, changes []*domain.Change) (*domain.ApplyResponse, error) {
	if changes == nil {
		changes = []*domain.Change{}
	}
	req := &domain.ApplyRequest{Changes: changes, DeviceID: c.local.ID, DeviceName: c.local.Name}

	resp, err := c.do(ctx, c.http, http.MethodPost, "/sync/apply", nil, req, "apply_changes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.ApplyResponse
	if err := decodeEnvelope(resp, &out, "apply_changes"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Full(ctx context.Context) (*domain.FullSyncResponse, error) {
	resp, err := c.do(ctx, c.blobHTTP, http.MethodGet, "/sync/full", nil, nil, "get_full")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.FullSyncResponse
	if err := decodeEnvelope(resp, &out, "get_full"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*domain.StatusResponse, error) {
	resp, err := c.do(ctx, c.http, http.MethodGet, "/sync/status", nil, nil, "status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.StatusResponse
	if err := decodeEnvelope(resp, &out, "status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DownloadAudio(ctx context.Context, audioID string) ([]byte, error) {
	resp, err := c.do(ctx, c.blobHTTP, http.MethodGet, "/sync/audio/"+url.PathEscape(audioID)+"/file", nil, nil, "download_audio")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "download_audio")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.TransportError(err, "download_audio")
	}
	return data, nil
}

func (c *Client) UploadAudio(ctx context.Context, audioID string, data []byte) error {
	resp, err := c.do(ctx, c.blobHTTP, http.MethodPut, "/sync/audio/"+url.PathEscape(audioID)+"/file", nil, data, "upload_audio")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp, "upload_audio")
	}
	return nil
}

// do sends one request. body is sent raw when it is a []byte and as JSON
// otherwise.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, q url.Values, body interface{}, op string) (*http.Response, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, domain.ProtocolError(err, op)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, domain.ProtocolError(err, op)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Device-ID", c.local.ID)
	if token := c.SessionToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debugw("peer request", "op", op, "method", method, "url", target)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransport(err, op)
	}
	return resp, nil
}

// classifyTransport separates a pin mismatch from ordinary connectivity
// failures.
func classifyTransport(err error, op string) error {
	var mismatch *trust.MismatchError
	if errors.As(err, &mismatch) {
		return domain.TrustError(errors.Wrapf(mismatch, "%s", op))
	}
	return domain.TransportError(err, op)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Hint    string          `json:"hint"`
}

func decodeEnvelope(resp *http.Response, out interface{}, op string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusMultiStatus, http.StatusUnprocessableEntity:
	default:
		return statusError(resp, op)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.ProtocolError(err, op+": decode response")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.ProtocolError(errors.Newf("empty response body (status %d): %s", resp.StatusCode, env.Error), op)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return domain.ProtocolError(err, op+": decode payload")
	}
	return nil
}

// statusError maps a non-success HTTP status onto the error taxonomy.
func statusError(resp *http.Response, op string) error {
	msg := resp.Status
	var env envelope
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(raw, &env) == nil && env.Error != "" {
		msg = fmt.Sprintf("%s: %s", resp.Status, env.Error)
	}
	err := errors.Newf("%s", msg)
	if env.Hint != "" {
		err = errors.WithHint(err, env.Hint)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return domain.TrustError(errors.Wrapf(err, "%s", op))
	case resp.StatusCode == http.StatusNotFound:
		return errors.Mark(errors.Wrapf(err, "%s", op), domain.ErrNotFound)
	case resp.StatusCode == http.StatusUpgradeRequired:
		return errors.Mark(errors.Wrapf(err, "%s", op), domain.ErrIncompatibleWire)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.TransportError(err, op)
	default:
		return domain.ProtocolError(err, op)
	}
}
