package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/enesunal-m/hume"
)

// signalPath is appended to the session path to reach the SDP endpoint.
const signalPath = "/webrtc"

// SignalURL maps a session URL to the HTTP endpoint that accepts SDP offers
// for it: ws becomes http, wss becomes https and "/webrtc" is appended to
// the path. The query string is kept.
func SignalURL(sessionURL string) (string, error) {
	u, err := url.Parse(sessionURL)
	if err != nil {
		return "", fmt.Errorf("webrtc: parse session url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("webrtc: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + signalPath
	return u.String(), nil
}

// Exchange posts an SDP offer and returns the answer. header carries the
// session credentials; Content-Type is always application/sdp.
func Exchange(ctx context.Context, hc *http.Client, endpoint string, header http.Header, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("webrtc: build offer request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Accept", "application/sdp")

	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &hume.CancelledError{Err: ctx.Err()}
		}
		return "", &hume.TransportError{Op: "sdp exchange", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &hume.TransportError{Op: "sdp exchange", URL: endpoint, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return "", &hume.TransportError{Op: "sdp exchange", URL: endpoint, Err: &hume.APIError{
			Status: resp.StatusCode, Message: msg, Body: string(b),
		}}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return "", &hume.TransportError{Op: "sdp exchange", URL: endpoint, Err: fmt.Errorf("empty answer")}
	}
	return string(b), nil
}
