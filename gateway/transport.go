package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// loggingTransport dumps every request and response to the debug log.
// Multipart uploads are summarized by size.
type loggingTransport struct {
	base   http.RoundTripper
	logger *zap.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	fields := []zap.Field{zap.String("method", req.Method), zap.String("url", req.URL.String())}
	if req.Body != nil {
		reqBody, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
		fields = append(fields, bodyField(req.Header.Get("Content-Type"), reqBody))
	}
	t.logger.Debug(">>>", fields...)

	resp, err := base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("<<< transport error", zap.String("url", req.URL.String()), zap.Error(err))
		return nil, err
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	t.logger.Debug("<<<",
		zap.String("status", resp.Status),
		zap.String("url", req.URL.String()),
		bodyField(resp.Header.Get("Content-Type"), respBody),
	)
	return resp, nil
}

func bodyField(contentType string, body []byte) zap.Field {
	if strings.HasPrefix(contentType, "multipart/") {
		return zap.Int("body_bytes", len(body))
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return zap.Any("body", v)
	}
	return zap.ByteString("body", body)
}
