// Package gateway is a typed client for the localization/QA backend.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second
	// telemetry calls outlive the request that triggered them
	telemetryTimeout = 10 * time.Second
)

type Client struct {
	base    string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
	verbose bool
	headers map[string]string

	telemetry sync.WaitGroup
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithRequestIDs(gen func() string) Option {
	return func(c *Client) { c.newID = gen }
}

// WithVerbose dumps request and response bodies to the debug log.
func WithVerbose(v bool) Option {
	return func(c *Client) { c.verbose = v }
}

// WithHeaders adds fixed headers to every request, e.g. a proxy token.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { c.headers = h }
}

// New returns a client for the backend rooted at baseURL. An empty baseURL
// means the API is served under the same origin, so paths stay relative.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	if c.verbose {
		hc := *c.http
		hc.Transport = &loggingTransport{base: hc.Transport, logger: c.logger}
		c.http = &hc
	}
	return c
}

// BaseURL is the backend root this client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// Wait blocks until every unawaited telemetry call has finished.
func (c *Client) Wait() {
	c.telemetry.Wait()
}

func urlJoin(base, rel string) (string, error) {
	if base == "" {
		return rel, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	relURL, err := url.Parse(rel)
	if err != nil {
		return "", err
	}

	result := &url.URL{
		Scheme:   baseURL.Scheme,
		User:     baseURL.User,
		Host:     baseURL.Host,
		Path:     path.Join("/", baseURL.Path, relURL.Path),
		RawPath:  path.Join("/", baseURL.EscapedPath(), relURL.EscapedPath()),
		RawQuery: relURL.RawQuery,
	}
	return result.String(), nil
}

func (c *Client) endpoint(rel string, query url.Values) (string, error) {
	u, err := urlJoin(c.base, rel)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, op, method, rel string, query url.Values, body io.Reader, contentType string, out any) error {
	u, err := c.endpoint(rel, query)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	c.logger.Debug("backend call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", c.now().Sub(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, rel string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	return c.do(ctx, op, http.MethodPost, rel, nil, bytes.NewReader(payload), "application/json", out)
}

func (c *Client) getJSON(ctx context.Context, op, rel string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, rel, query, nil, "", out)
}

type filePart struct {
	field string
	name  string
	data  []byte
}

func (c *Client) postMultipart(ctx context.Context, op, rel string, fields [][2]string, file filePart, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return &Error{Op: op, Err: err}
		}
	}
	fw, err := w.CreateFormFile(file.field, file.name)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if _, err := fw.Write(file.data); err != nil {
		return &Error{Op: op, Err: err}
	}
	if err := w.Close(); err != nil {
		return &Error{Op: op, Err: err}
	}
	return c.do(ctx, op, http.MethodPost, rel, nil, &buf, w.FormDataContentType(), out)
}

func sessionPath(prefix, sessionID string) string {
	return prefix + url.PathEscape(sessionID)
}

// Start opens a backend session and returns its opening script.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.postJSON(ctx, "start", "/api/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Locate uploads one photo. It tags the upload with a fresh request id and
// the client start time, then reports the narration start in the background
// so the backend can measure end-to-end latency.
func (c *Client) Locate(ctx context.Context, id Identity, name string, image []byte) (*LocateResponse, error) {
	reqID := c.newID()
	startMS := c.now().UnixMilli()

	fields := [][2]string{
		{"site_id", id.SiteID},
		{"session_id", id.SessionID},
		{"provider", id.Provider},
		{"client_start_ms", strconv.FormatInt(startMS, 10)},
		{"req_id", reqID},
		// the backend tracks first-photo state itself
		{"first_photo", "false"},
	}

	var out LocateResponse
	err := c.postMultipart(ctx, "locate", "/api/locate", fields, filePart{field: "image", name: name, data: image}, &out)
	if err != nil {
		return nil, err
	}

	ttsReqID := out.ReqID
	if ttsReqID == "" {
		ttsReqID = reqID
	}
	report := TTSStart{
		ReqID:            ttsReqID,
		SessionID:        id.SessionID,
		SiteID:           id.SiteID,
		Provider:         id.Provider,
		ClientStartMS:    startMS,
		ClientTTSStartMS: c.now().UnixMilli(),
	}
	c.telemetry.Add(1)
	go func() {
		defer c.telemetry.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryTimeout)
		defer cancel()
		c.ReportTTSStart(tctx, report)
	}()

	return &out, nil
}

// Ask forwards a free-form question to the QA endpoint.
func (c *Client) Ask(ctx context.Context, id Identity, text string) (*QAResponse, error) {
	var out QAResponse
	req := QARequest{SessionID: id.SessionID, Text: text, Lang: id.Lang}
	if err := c.postJSON(ctx, "qa", "/api/qa", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcribe sends one recording to the speech recognizer.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	var out ASRResponse
	if err := c.postMultipart(ctx, "asr", "/api/asr", nil, filePart{field: "audio", name: filename, data: audio}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) SessionLocation(ctx context.Context, sessionID string) (*SessionLocation, error) {
	var out SessionLocation
	if err := c.getJSON(ctx, "session location", sessionPath("/api/session/location/", sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.getJSON(ctx, "session status", sessionPath("/api/session/status/", sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func destinationQuery(destination string) url.Values {
	if destination == "" {
		return nil
	}
	return url.Values{"destination": {destination}}
}

func (c *Client) VerifyLocation(ctx context.Context, sessionID, destination string) (*Verification, error) {
	var out Verification
	if err := c.getJSON(ctx, "verify location", sessionPath("/api/location/verify/", sessionID), destinationQuery(destination), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NavigationInstructions(ctx context.Context, sessionID, destination string) (*Navigation, error) {
	var out Navigation
	if err := c.getJSON(ctx, "navigate", sessionPath("/api/location/navigate/", sessionID), destinationQuery(destination), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLogging turns backend experiment logging on or off for a run.
func (c *Client) SetLogging(ctx context.Context, req LoggingRequest) (*LoggingResponse, error) {
	var out LoggingResponse
	if err := c.postJSON(ctx, "logging set", "/api/logging/set", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LoggingStatus(ctx context.Context, sessionID, provider string) (*LoggingResponse, error) {
	var out LoggingResponse
	q := url.Values{"session_id": {sessionID}, "provider": {provider}}
	if err := c.getJSON(ctx, "logging status", "/api/logging/status", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartErrorRecovery(ctx context.Context, req RecoveryStart) (*RecoveryStarted, error) {
	var out RecoveryStarted
	if err := c.postJSON(ctx, "error recovery start", "/api/metrics/error_recovery_start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EndErrorRecovery(ctx context.Context, req RecoveryEnd) (*RecoveryEnded, error) {
	var out RecoveryEnded
	if err := c.postJSON(ctx, "error recovery end", "/api/metrics/error_recovery_end", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) telemetryPost(ctx context.Context, op, rel string, in any) {
	if err := c.postJSON(ctx, op, rel, in, nil); err != nil {
		c.logger.Warn("telemetry dropped", zap.String("op", op), zap.Error(err))
	}
}

// ReportTTSStart records when narration of a locate answer began.
func (c *Client) ReportTTSStart(ctx context.Context, r TTSStart) {
	c.telemetryPost(ctx, "tts start", "/api/metrics/tts_start", r)
}

func (c *Client) RecordClarificationRound(ctx context.Context, r ClarificationRound) {
	c.telemetryPost(ctx, "clarification round", "/api/metrics/clarification_round", r)
}

func (c *Client) EndClarification(ctx context.Context, r ClarificationEnd) {
	c.telemetryPost(ctx, "clarification end", "/api/metrics/clarification_end", r)
}
