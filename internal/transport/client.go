package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/models"
)

// Server event kinds on the JSON stream.
const (
	EventOpen      = "open"
	EventKeepalive = "keepalive"
	EventMessage   = "message"
)

// FrameKind classifies a parsed stream frame.
type FrameKind int

const (
	FrameOpen FrameKind = iota
	FrameKeepalive
	FrameMessage
)

// Frame is one parsed entry of the stream.
type Frame struct {
	Kind    FrameKind
	Message models.Message // set for FrameMessage
}

// Handler receives parsed frames, in stream order, from Stream.
type Handler func(Frame)

// maxFrameSize bounds a single ndjson line; attachments are referenced by
// URL, never inlined, so frames stay small.
const maxFrameSize = 1 << 20

// Client opens streaming and publish connections to pub/sub servers.
// One Client is shared by all supervisors; each Stream call owns exactly
// one connection.
type Client struct {
	log zerolog.Logger
}

// NewClient creates a transport client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("component", "transport").Logger()}
}

// StreamURL returns the streaming endpoint for a topic, carrying the
// resume cursor when non-zero.
func StreamURL(baseURL, topic string, since int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path += "/" + url.PathEscape(topic) + "/json"
	if since > 0 {
		q := u.Query()
		q.Set("since", strconv.FormatInt(since, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Stream connects to the server's JSON stream for one topic and delivers
// parsed frames to h until the context is cancelled or the connection
// fails. A malformed frame is logged and skipped; a connection-level
// failure returns a *ConnError. Returns ctx.Err() on cancellation.
func (c *Client) Stream(ctx context.Context, srv models.Server, topic string, since int64, h Handler) error {
	streamURL, err := StreamURL(srv.BaseURL, topic, since)
	if err != nil {
		return netErr("build stream url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return netErr("build request", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	setAuth(req, srv)

	httpClient, err := c.httpClient(srv)
	if err != nil {
		return netErr("tls config", err)
	}

	log := c.log.With().Str("topic", topic).Str("server", srv.BaseURL).Logger()
	log.Debug().Int64("since", since).Msg("opening stream")

	res, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return netErr("connect", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return err
	}

	reader := bufio.NewReaderSize(res.Body, 64*1024)
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > maxFrameSize {
				buf = buf[:0]
				tooLong = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				// The server never ends a healthy stream; EOF means it
				// went away.
				return netErr("read stream", io.ErrUnexpectedEOF)
			}
			return netErr("read stream", err)
		}

		if tooLong {
			// Item-level failure like any other bad frame: the rest of the
			// line has been consumed above, the stream continues.
			tooLong = false
			log.Warn().Msg("oversized frame skipped")
			continue
		}

		line := bytes.TrimSpace(buf)
		buf = buf[:0]
		if len(line) == 0 {
			continue
		}

		frame, err := parseFrame(line)
		if err != nil {
			// Item-level failure: skip the frame, keep the stream.
			log.Warn().Err(err).Msg("malformed frame skipped")
			continue
		}
		h(frame)
	}
}

// parseFrame decodes a single ndjson line.
func parseFrame(line []byte) (Frame, error) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch probe.Event {
	case EventOpen:
		return Frame{Kind: FrameOpen}, nil
	case EventKeepalive:
		return Frame{Kind: FrameKeepalive}, nil
	case EventMessage:
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Frame{}, fmt.Errorf("decode message: %w", err)
		}
		if msg.ID == "" {
			return Frame{}, fmt.Errorf("decode message: missing id")
		}
		msg.Raw = append([]byte(nil), line...)
		return Frame{Kind: FrameMessage, Message: msg}, nil
	default:
		return Frame{}, fmt.Errorf("unknown event %q", probe.Event)
	}
}

// Publish sends one message to a topic. One shot; the caller decides what
// to do with a failure.
func (c *Client) Publish(ctx context.Context, srv models.Server, topic string, out models.Outgoing) error {
	payload := struct {
		Topic string `json:"topic"`
		models.Outgoing
	}{Topic: topic, Outgoing: out}

	body, err := json.Marshal(payload)
	if err != nil {
		return netErr("encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(srv.BaseURL, "/"), bytes.NewReader(body))
	if err != nil {
		return netErr("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, srv)

	httpClient, err := c.httpClient(srv)
	if err != nil {
		return netErr("tls config", err)
	}
	httpClient.Timeout = 30 * time.Second

	res, err := httpClient.Do(req)
	if err != nil {
		return netErr("publish", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return checkStatus(res)
}

// CheckAuth probes whether the server accepts the configured credentials
// for a topic. Used after a credential update before reactivating streams.
func (c *Client) CheckAuth(ctx context.Context, srv models.Server, topic string) error {
	u, err := StreamURL(srv.BaseURL, topic, 0)
	if err != nil {
		return netErr("build stream url", err)
	}
	u += "?poll=1"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return netErr("build request", err)
	}
	setAuth(req, srv)

	httpClient, err := c.httpClient(srv)
	if err != nil {
		return netErr("tls config", err)
	}
	httpClient.Timeout = 15 * time.Second

	res, err := httpClient.Do(req)
	if err != nil {
		return netErr("probe", err)
	}
	defer res.Body.Close()
	return checkStatus(res)
}

func checkStatus(res *http.Response) error {
	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return authErr("server response", fmt.Errorf("credentials rejected: %s", res.Status))
	case res.StatusCode >= 300:
		return netErr("server response", fmt.Errorf("unexpected status: %s", res.Status))
	}
	return nil
}

func setAuth(req *http.Request, srv models.Server) {
	switch {
	case srv.Token != "":
		req.Header.Set("Authorization", "Bearer "+srv.Token)
	case srv.Username != "":
		req.SetBasicAuth(srv.Username, srv.Password)
	}
}

// httpClient builds a client honoring the server's trust anchor. Streaming
// responses are long-lived, so no overall timeout is set here; callers that
// want one set it on the returned client.
func (c *Client) httpClient(srv models.Server) (*http.Client, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	if srv.RootCAPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(srv.RootCAPEM)) {
			return nil, fmt.Errorf("invalid trust anchor for %s", srv.BaseURL)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{Transport: transport}, nil
}
