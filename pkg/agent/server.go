package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devicelab-dev/appquery/pkg/action"
	"github.com/devicelab-dev/appquery/pkg/core"
)

// Handler serves the agent protocol on top of any query port and executor.
// serve-mock uses it to expose a mock.App; tests use it to exercise Client.
type Handler struct {
	port     core.QueryPort
	exec     core.Executor
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewHandler creates a Handler. A nil logger disables logging.
func NewHandler(port core.QueryPort, exec core.Executor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		port:   port,
		exec:   exec,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("GET /platforms/{platform}/elements", h.handleRoots)
	h.mux.HandleFunc("GET /platforms/{platform}/elements/{id}", h.handleOne)
	h.mux.HandleFunc("POST /platforms/{platform}/elements/{id}/actions", h.handleAction)
	h.mux.HandleFunc("GET /platforms/{platform}/descendants", h.handleDescendants)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.mux.ServeHTTP(w, r)
	h.logger.Debug("served",
		zap.String("method", r.Method), zap.String("path", r.URL.Path),
		zap.String("requestId", r.Header.Get(RequestIDHeader)),
		zap.Duration("elapsed", time.Since(start)))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeValue(w, http.StatusOK, StatusValue{Ready: true, Message: "ready"})
}

func (h *Handler) handleRoots(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	roots, err := h.port.FetchRoots(r.Context(), platform)
	if err != nil {
		writeError(w, err)
		return
	}
	if roots == nil {
		roots = []core.Element{}
	}
	writeValue(w, http.StatusOK, roots)
}

func (h *Handler) handleOne(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	el, err := h.port.FetchOne(r.Context(), platform, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeValue(w, http.StatusOK, el)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrInvalidArguments.WithMessagef("decode action: %v", err))
		return
	}
	if _, err := action.Parse(req.Action, req.Args); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.exec.Execute(r.Context(), core.ExecRequest{
		Platform:  platform,
		ElementID: r.PathValue("id"),
		Action:    req.Action,
		Args:      req.Args,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeValue(w, http.StatusOK, resp)
}

func (h *Handler) handleDescendants(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	q := core.DescendantsQuery{Platform: platform, ScopeID: r.URL.Query().Get("scope")}
	if prop := r.URL.Query().Get("property"); prop != "" {
		q.Filter = &core.Filter{Property: prop, Pattern: r.URL.Query().Get("pattern")}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The hijacked request context is not cancelled when the peer goes
	// away, so watch the read side for the close.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	sent := 0
	err = h.port.FetchDescendants(ctx, q, func(el core.Element) bool {
		if err := conn.WriteJSON(Frame{Type: FrameElement, Element: &el}); err != nil {
			cancel()
			return false
		}
		sent++
		return true
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		ee := asExecutionError(err)
		_ = conn.WriteJSON(Frame{Type: FrameError, Error: ee.Code, Message: ee.Message})
		return
	}
	_ = conn.WriteJSON(Frame{Type: FrameEnd})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	h.logger.Debug("stream served", zap.String("platform", string(platform)), zap.Int("elements", sent))
}

func (h *Handler) platform(w http.ResponseWriter, r *http.Request) (core.Platform, bool) {
	p, err := core.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeError(w, core.ErrInvalidArguments.WithMessage(err.Error()))
		return "", false
	}
	return p, true
}

func writeValue(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Value: v})
}

func writeError(w http.ResponseWriter, err error) {
	ee := asExecutionError(err)
	writeValue(w, statusFor(ee.Kind), ErrorValue{Error: ee.Code, Message: ee.Message})
}

// asExecutionError types an arbitrary error; untyped errors become
// transport errors so clients never see an empty tree instead.
func asExecutionError(err error) *core.ExecutionError {
	if kind := core.KindOf(err); kind != core.KindNone {
		return core.NewExecutionError(kind, err.Error())
	}
	return core.ErrTransportUnavailable.WithMessage(fmt.Sprintf("agent: %v", err))
}
