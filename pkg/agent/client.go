package agent

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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// DefaultTimeout bounds each HTTP request. Streams are bounded by the
// caller's context only.
const DefaultTimeout = 30 * time.Second

// Client talks to a remote agent. It implements core.QueryPort,
// core.Executor and core.Reconnector.
type Client struct {
	http    *http.Client
	dialer  *websocket.Dialer
	baseURL string
	logger  *zap.Logger
}

// NewClient creates a client for an agent at baseURL, e.g.
// http://127.0.0.1:5000.
func NewClient(baseURL string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  zap.NewNop(),
	}
}

// SetLogger sets the logger used for request timing.
func (c *Client) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	c.logger = l
}

// SetTimeout changes the per-request HTTP timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// BaseURL returns the agent address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request makes an HTTP request to the agent and returns the raw body of a
// successful response.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	start := time.Now()
	reqID := uuid.NewString()

	var reqBody io.Reader
	var bodyStr string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
		bodyStr = string(data)
		if len(bodyStr) > 100 {
			bodyStr = bodyStr[:100] + "..."
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, reqID)

	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method), zap.String("path", path),
			zap.String("requestId", reqID), zap.Duration("elapsed", elapsed), zap.Error(err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		te := core.TransportError(fmt.Errorf("send request: %w", err))
		// A timeout may fire after the request was written.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			te = te.MarkDelivered()
		}
		return nil, te
	}
	defer resp.Body.Close()

	// From here on the agent has the request; actions may have run.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.TransportError(fmt.Errorf("read response: %w", err)).MarkDelivered()
	}

	c.logger.Debug("request",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.String("requestId", reqID),
		zap.Duration("elapsed", elapsed), zap.String("body", bodyStr))

	if resp.StatusCode >= 400 {
		var errResp struct {
			Value ErrorValue `json:"value"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Value.Error != "" {
			return nil, remoteError(errResp.Value.Error, errResp.Value.Message, resp.StatusCode).MarkDelivered()
		}
		return nil, remoteError("", fmt.Sprintf("agent error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), resp.StatusCode).MarkDelivered()
	}

	return respBody, nil
}

// get issues a GET and decodes the envelope value into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	data, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeValue(data, out)
}

func decodeValue(data []byte, out interface{}) error {
	env := struct {
		Value json.RawMessage `json:"value"`
	}{}
	if err := json.Unmarshal(data, &env); err != nil {
		return core.TransportError(fmt.Errorf("parse response: %w", err))
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return core.TransportError(fmt.Errorf("parse response value: %w", err))
	}
	return nil
}

// Status checks if the agent is ready.
func (c *Client) Status(ctx context.Context) (bool, error) {
	var st StatusValue
	if err := c.get(ctx, "/status", &st); err != nil {
		return false, err
	}
	return st.Ready, nil
}

// FetchRoots returns the application contexts of a platform.
func (c *Client) FetchRoots(ctx context.Context, platform core.Platform) ([]core.Element, error) {
	var roots []core.Element
	if err := c.get(ctx, platformPath(platform, "/elements"), &roots); err != nil {
		return nil, err
	}
	return roots, nil
}

// FetchOne returns one element with its children.
func (c *Client) FetchOne(ctx context.Context, platform core.Platform, id string) (core.Element, error) {
	var el core.Element
	if err := c.get(ctx, platformPath(platform, "/elements/"+url.PathEscape(id)), &el); err != nil {
		return core.Element{}, err
	}
	return el, nil
}

// Execute sends an action for the element in req.
func (c *Client) Execute(ctx context.Context, req core.ExecRequest) (core.ExecResponse, error) {
	path := platformPath(req.Platform, "/elements/"+url.PathEscape(req.ElementID)+"/actions")
	data, err := c.request(ctx, http.MethodPost, path, ActionRequest{Action: req.Action, Args: req.Args})
	if err != nil {
		return core.ExecResponse{}, err
	}
	var resp core.ExecResponse
	if err := decodeValue(data, &resp); err != nil {
		return core.ExecResponse{}, core.TransportError(err).MarkDelivered()
	}
	return resp, nil
}

// FetchDescendants opens a websocket stream and yields elements until the
// agent sends the end frame or yield returns false.
func (c *Client) FetchDescendants(ctx context.Context, q core.DescendantsQuery, yield func(core.Element) bool) error {
	start := time.Now()
	reqID := uuid.NewString()

	params := url.Values{}
	if q.ScopeID != "" {
		params.Set("scope", q.ScopeID)
	}
	if q.Filter != nil {
		params.Set("property", q.Filter.Property)
		params.Set("pattern", q.Filter.Pattern)
	}
	path := platformPath(q.Platform, "/descendants")
	u := wsURL(c.baseURL) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	header := http.Header{}
	header.Set(RequestIDHeader, reqID)
	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.logger.Debug("stream dial failed", zap.String("path", path), zap.String("requestId", reqID), zap.Error(err))
		if ctx.Err() != nil {
			return fmt.Errorf("dial stream: %w", err)
		}
		return core.TransportError(fmt.Errorf("dial stream: %w", err))
	}
	defer conn.Close()

	// Unblock the read loop when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	count := 0
	defer func() {
		c.logger.Debug("stream",
			zap.String("path", path), zap.String("requestId", reqID),
			zap.Int("elements", count), zap.Duration("elapsed", time.Since(start)))
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return core.TransportError(fmt.Errorf("read frame: %w", err))
		}
		switch f.Type {
		case FrameElement:
			if f.Element == nil {
				continue
			}
			count++
			if !yield(*f.Element) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(time.Second))
				return nil
			}
		case FrameEnd:
			return nil
		case FrameError:
			return remoteError(f.Error, f.Message, 0)
		default:
			return core.TransportError(fmt.Errorf("unexpected frame type %q", f.Type))
		}
	}
}

// Reconnect drops idle connections and checks that the agent answers again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.http.CloseIdleConnections()
	ready, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return core.TransportError(errors.New("agent not ready"))
	}
	return nil
}

func platformPath(platform core.Platform, suffix string) string {
	return "/platforms/" + url.PathEscape(string(platform)) + suffix
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
