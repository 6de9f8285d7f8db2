package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/driver/mock"
	"github.com/devicelab-dev/appquery/pkg/resolver"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

func newMockServer(t *testing.T, cfg mock.Config) (*Client, *mock.App, *httptest.Server) {
	t.Helper()
	data, err := os.ReadFile("../driver/mock/testdata/counter.yaml")
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	app, err := mock.LoadTree(data, cfg)
	if err != nil {
		t.Fatalf("LoadTree() error = %v", err)
	}
	server := httptest.NewServer(NewHandler(app, app, nil))
	t.Cleanup(server.Close)
	return NewClient(server.URL), app, server
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL), server
}

func drain(t *testing.T, c *Client, q core.DescendantsQuery) ([]core.Element, error) {
	t.Helper()
	var out []core.Element
	err := c.FetchDescendants(context.Background(), q, func(el core.Element) bool {
		out = append(out, el)
		return true
	})
	return out, err
}

func TestStatus(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	ready, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Error("expected ready to be true")
	}
}

func TestRequestIDHeader(t *testing.T) {
	ids := make(chan string, 1)
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get(RequestIDHeader)
		writeValue(w, http.StatusOK, StatusValue{Ready: true})
	})
	defer server.Close()

	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := <-ids
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("%s = %q, want a uuid", RequestIDHeader, got)
	}
}

func TestFetchRoots(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	roots, err := client.FetchRoots(context.Background(), core.PlatformMaui)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roots) != 1 || roots[0].Count() != 5 {
		t.Fatalf("roots = %+v", roots)
	}
	lbl, ok := roots[0].Find("lbl-count")
	if !ok || lbl.TextValue() != "Current count: 0" || lbl.Bounds.Height != 80 {
		t.Errorf("lbl-count = %+v", lbl)
	}

	empty, err := client.FetchRoots(context.Background(), core.PlatformIOS)
	if err != nil || len(empty) != 0 {
		t.Errorf("ios roots = %v, %v", empty, err)
	}
}

func TestFetchRoots_UnknownPlatform(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	_, err := client.FetchRoots(context.Background(), core.Platform("tizen"))
	if !core.IsKind(err, core.KindInvalidArguments) {
		t.Errorf("error = %v, want invalid arguments", err)
	}
}

func TestFetchOne(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	el, err := client.FetchOne(context.Background(), core.PlatformMaui, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(el.Children) != 3 {
		t.Errorf("children = %d, want 3", len(el.Children))
	}

	_, err = client.FetchOne(context.Background(), core.PlatformMaui, "ghost")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestExecute(t *testing.T) {
	client, app, _ := newMockServer(t, mock.Config{})
	ctx := context.Background()

	resp, err := client.Execute(ctx, core.ExecRequest{Platform: core.PlatformMaui, ElementID: "lbl-count", Action: "get-property", Args: []string{"text"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Payload != "Current count: 0" {
		t.Errorf("resp = %+v", resp)
	}

	app.SetOutcome("tap", "", core.ExecResponse{Success: false, Message: "obscured"})
	resp, err = client.Execute(ctx, core.ExecRequest{Platform: core.PlatformMaui, ElementID: "btn-inc", Action: "tap"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.Message != "obscured" {
		t.Errorf("resp = %+v, want scripted failure", resp)
	}

	if n := len(app.Actions()); n != 2 {
		t.Errorf("recorded actions = %d, want 2", n)
	}
}

func TestExecute_RejectedByAgent(t *testing.T) {
	client, app, _ := newMockServer(t, mock.Config{})
	ctx := context.Background()

	_, err := client.Execute(ctx, core.ExecRequest{Platform: core.PlatformMaui, ElementID: "btn-inc", Action: "pinch"})
	if !core.IsKind(err, core.KindUnsupportedAction) {
		t.Errorf("error = %v, want unsupported action", err)
	}
	_, err = client.Execute(ctx, core.ExecRequest{Platform: core.PlatformMaui, ElementID: "ghost", Action: "tap"})
	if !core.IsKind(err, core.KindNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
	if n := len(app.Actions()); n != 1 {
		t.Errorf("recorded actions = %d, want only the ghost tap", n)
	}
}

func TestServerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   core.ErrorKind
	}{
		{"typed", http.StatusConflict, `{"value":{"error":"remote_action_failed","message":"nope"}}`, core.KindRemoteActionFailed},
		{"plain 500", http.StatusInternalServerError, "boom", core.KindTransportUnavailable},
		{"plain 404", http.StatusNotFound, "missing", core.KindNotFound},
		{"plain 400", http.StatusBadRequest, "bad", core.KindInvalidArguments},
		{"unknown code 503", http.StatusServiceUnavailable, `{"value":{"error":"weird"}}`, core.KindTransportUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			defer server.Close()

			_, err := client.FetchRoots(context.Background(), core.PlatformMaui)
			if core.KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", core.KindOf(err), tt.want, err)
			}
		})
	}
}

func TestMalformedResponse(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})
	defer server.Close()

	_, err := client.FetchRoots(context.Background(), core.PlatformMaui)
	if !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("error = %v, want transport unavailable", err)
	}
}

func TestExecute_LostResponseIsDelivered(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":`))
	})
	defer server.Close()

	_, err := client.Execute(context.Background(), core.ExecRequest{Platform: core.PlatformMaui, ElementID: "btn-inc", Action: "tap"})
	if !core.IsKind(err, core.KindTransportUnavailable) {
		t.Fatalf("error = %v, want transport unavailable", err)
	}
	if !core.Delivered(err) {
		t.Error("a response lost after the request arrived should be marked delivered")
	}
}

func TestExecute_AgentErrorIsDelivered(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, core.ErrTransportUnavailable.WithMessage("platform gone"))
	})
	defer server.Close()

	_, err := client.Execute(context.Background(), core.ExecRequest{Platform: core.PlatformMaui, ElementID: "btn-inc", Action: "tap"})
	if !core.IsKind(err, core.KindTransportUnavailable) || !core.Delivered(err) {
		t.Errorf("error = %v, delivered = %v", err, core.Delivered(err))
	}
}

func TestSetTimeout(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeValue(w, http.StatusOK, StatusValue{Ready: true})
	})
	defer server.Close()
	client.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := client.Status(context.Background())
	if !core.IsKind(err, core.KindTransportUnavailable) {
		t.Fatalf("error = %v, want transport unavailable", err)
	}
	if !core.Delivered(err) {
		t.Error("a timed out request may have arrived and should be marked delivered")
	}
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("Status() took %v, want the 50ms request timeout", elapsed)
	}
}

func TestBaseURL(t *testing.T) {
	if got := NewClient("http://127.0.0.1:10882/").BaseURL(); got != "http://127.0.0.1:10882" {
		t.Errorf("BaseURL() = %q, want trailing slash trimmed", got)
	}
}

func TestTransportUnavailable(t *testing.T) {
	client, _, server := newMockServer(t, mock.Config{})
	server.Close()
	ctx := context.Background()

	if _, err := client.FetchRoots(ctx, core.PlatformMaui); !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("FetchRoots() error = %v", err)
	}
	if _, err := client.Execute(ctx, core.ExecRequest{Platform: core.PlatformMaui, ElementID: "btn-inc", Action: "tap"}); core.Delivered(err) {
		t.Errorf("Execute() on a closed server error = %v, should not be marked delivered", err)
	}
	if _, err := drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui}); !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("FetchDescendants() error = %v", err)
	}
	if err := client.Reconnect(ctx); !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("Reconnect() error = %v", err)
	}
}

func TestReconnect(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	if err := client.Reconnect(context.Background()); err != nil {
		t.Errorf("Reconnect() error = %v", err)
	}

	notReady, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		writeValue(w, http.StatusOK, StatusValue{Ready: false})
	})
	defer server.Close()
	if err := notReady.Reconnect(context.Background()); !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("Reconnect() on a busy agent = %v", err)
	}
}

func TestFetchDescendants(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	got, err := drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Count() != 5 {
		t.Fatalf("stream = %+v", got)
	}

	got, err = drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui, ScopeID: "page-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[1].ID != "btn-inc" {
		t.Errorf("scoped stream = %+v", got)
	}
}

func TestFetchDescendants_Filter(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{HonourFilter: true})
	got, err := drain(t, client, core.DescendantsQuery{
		Platform: core.PlatformMaui,
		Filter:   &core.Filter{Property: core.PropAutomationID, Pattern: "buttonOne"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "btn-inc" || got[0].ParentID != "page-1" {
		t.Errorf("filtered stream = %+v", got)
	}
}

func TestFetchDescendants_ErrorFrame(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{})
	_, err := drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui, ScopeID: "ghost"})
	if !core.IsKind(err, core.KindNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestFetchDescendants_StopEarly(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{Flat: true})
	n := 0
	err := client.FetchDescendants(context.Background(), core.DescendantsQuery{Platform: core.PlatformMaui}, func(core.Element) bool {
		n++
		return n < 2
	})
	if err != nil || n != 2 {
		t.Errorf("n = %d, err = %v", n, err)
	}
	// the connection is released and the agent still serves
	if _, err := drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui}); err != nil {
		t.Errorf("follow-up stream error = %v", err)
	}
}

func TestFetchDescendants_Cancelled(t *testing.T) {
	client, _, _ := newMockServer(t, mock.Config{Delay: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.FetchDescendants(ctx, core.DescendantsQuery{Platform: core.PlatformMaui}, func(core.Element) bool { return true })
	if err == nil || core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("error = %v, want a context error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("stream did not stop on cancel")
	}
}

func TestFetchDescendants_UnexpectedFrame(t *testing.T) {
	h := &Handler{}
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Frame{Type: "bogus"})
	})
	defer server.Close()

	_, err := drain(t, client, core.DescendantsQuery{Platform: core.PlatformMaui})
	if !core.IsKind(err, core.KindTransportUnavailable) {
		t.Errorf("error = %v, want transport unavailable", err)
	}
}

func TestResolveOverTransport(t *testing.T) {
	client, app, _ := newMockServer(t, mock.Config{Flat: true})
	r := resolver.New(client, resolver.Options{PollInterval: 10 * time.Millisecond})

	res, err := r.Resolve(context.Background(), resolver.Request{
		Selector: selector.ByType("MainPage").ThenContainingText("count"),
		Platform: core.PlatformMaui,
		Policy:   resolver.ExactlyOne,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Matches[0].ID != "lbl-count" {
		t.Errorf("match = %s, want lbl-count", res.Matches[0].ID)
	}
	if app.Stats().Fetches != 1 {
		t.Errorf("Fetches = %d, want 1", app.Stats().Fetches)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("socket closed"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	var body struct {
		Value ErrorValue `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Value.Error != "transport_unavailable" {
		t.Errorf("error code = %q", body.Value.Error)
	}
}
