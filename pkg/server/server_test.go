package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/shiny/pkg/protocol"
	"github.com/vango-dev/shiny/pkg/render"
)

var testCounter = Dynamic("counter", func(c *Ctx, start int) (any, error) {
	count := UseValue(c, start)
	inc := c.On("click", func(Event) error {
		count.Update(func(n int) int { return n + 1 })
		return nil
	})
	return render.HTML(fmt.Sprintf(`<button %s>%d</button>`, inc.Attrs(), count.Get(c))), nil
})

type testServer struct {
	*Server
	http *httptest.Server
	jar  *cookiejar.Jar
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	srv := New(&ServerConfig{
		Registry: prometheus.NewRegistry(),
		SessionConfig: &SessionConfig{
			SweepInterval: time.Hour,
		},
	})
	srv.Page("/", func(c *Ctx, r *http.Request) (any, error) {
		return testCounter.Mount(c, 0)
	})
	srv.Page("/broken", func(c *Ctx, r *http.Request) (any, error) {
		return nil, errBoom
	})

	hs := httptest.NewServer(srv)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &testServer{Server: srv, http: hs, jar: jar}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	client := &http.Client{Jar: ts.jar}
	resp, err := client.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(ts.http.URL)
	require.NoError(t, err)

	header := http.Header{}
	for _, c := range ts.jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/shiny/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, req protocol.Request) {
	t.Helper()
	data, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readResponse(t *testing.T, conn *websocket.Conn) protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(data)
	require.NoError(t, err)
	return resp
}

func TestPageCreatesSessionAndOutlet(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `<div id="counter-1" style="display: contents;" data-server-rendered="true">`)
	assert.Contains(t, body, `data-shiny-handler="click-1-0"`)
	assert.Contains(t, body, `src="/api/shiny/client.js"`)
	assert.Equal(t, 1, ts.Sessions().Count())

	u, _ := url.Parse(ts.http.URL)
	cookies := ts.jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "shiny_session_id", cookies[0].Name)

	_, err := ts.Sessions().Get(cookies[0].Value)
	assert.NoError(t, err)
}

func TestPageErrorRemovesSession(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.get(t, "/broken")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 0, ts.Sessions().Count())
}

func TestWebSocketEventRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.get(t, "/")
	conn := ts.dial(t)

	sendRequest(t, conn, &protocol.EventRequest{InstanceID: "counter-1", HandlerID: "click-1-0"})
	resp := readResponse(t, conn)
	rr, ok := resp.(*protocol.RerenderResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "counter-1", rr.InstanceID)
	assert.Contains(t, rr.HTML, ">1</button>")
	assert.Contains(t, rr.HTML, `data-shiny-handler="click-2-0"`)

	// The handler ID of the first pass is gone.
	sendRequest(t, conn, &protocol.EventRequest{InstanceID: "counter-1", HandlerID: "click-1-0"})
	resp = readResponse(t, conn)
	assert.Equal(t, protocol.ErrCodeUnknownHandler, resp.(*protocol.ErrorResponse).Code)

	sendRequest(t, conn, &protocol.RerenderRequest{InstanceID: "counter-1"})
	rr = readResponse(t, conn).(*protocol.RerenderResponse)
	assert.Contains(t, rr.HTML, ">1</button>")
}

func TestWebSocketErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.get(t, "/")
	conn := ts.dial(t)

	tests := []struct {
		name string
		msg  string
		code protocol.ErrorCode
	}{
		{"invalid json", `{`, protocol.ErrCodeInvalidRequest},
		{"unknown type", `{"type":"scroll@request","id":"counter-1"}`, protocol.ErrCodeInvalidRequest},
		{"unknown instance", `{"type":"rerender@request","id":"missing-1"}`, protocol.ErrCodeUnknownInstance},
		{"unknown handler", `{"type":"event@request","id":"counter-1","handler":"nope"}`, protocol.ErrCodeUnknownHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)))
			resp := readResponse(t, conn)
			errResp, ok := resp.(*protocol.ErrorResponse)
			require.True(t, ok, "got %T", resp)
			assert.Equal(t, tt.code, errResp.Code)
			assert.NotEmpty(t, errResp.Message)
		})
	}
}

func TestWebSocketRejectsUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/shiny/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header := http.Header{}
	header.Add("Cookie", "shiny_session_id=nope")
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketCloseRemovesSession(t *testing.T) {
	ts := newTestServer(t)
	ts.get(t, "/")
	conn := ts.dial(t)
	require.Eventually(t, func() bool {
		var attached bool
		ts.Sessions().ForEach(func(s *Session) bool {
			attached = s.HasChannel()
			return false
		})
		return attached
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return ts.Sessions().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), metricValue(t, ts.Registry(), "shiny_sessions_closed_total",
		map[string]string{"reason": "disconnected"}))
}

func TestOnlineClientScriptAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.get(t, "/")

	resp, body := ts.get(t, "/api/shiny/online")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", body)

	resp, body = ts.get(t, "/api/shiny/client.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, body, "rerender@response")

	resp, body = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "shiny_sessions_created_total 1")
	assert.Contains(t, body, `shiny_renders_total{status="ok"} 1`)
	assert.Contains(t, body, `shiny_http_requests_total{code="200",method="GET",route="/api/shiny/online"} 1`)
}

func TestNewFillsDefaults(t *testing.T) {
	srv := New(&ServerConfig{BasePath: "rt/", Registry: prometheus.NewRegistry()})
	defer srv.Shutdown(context.Background())

	cfg := srv.Config()
	assert.Equal(t, "/rt", cfg.BasePath)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "shiny_session_id", cfg.CookieName)
	assert.Equal(t, DefaultSessionConfig(), cfg.SessionConfig)
	assert.NotNil(t, cfg.Serializer)
}

func TestSameOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/api/shiny/ws", nil)
	assert.True(t, sameOrigin(r))

	r.Header.Set("Origin", "http://example.com")
	assert.True(t, sameOrigin(r))

	r.Header.Set("Origin", "http://evil.com")
	assert.False(t, sameOrigin(r))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.ErrorCode
	}{
		{NewSessionError("s", "x", ErrUnknownSession), protocol.ErrCodeUnknownSession},
		{NewSessionError("s", "x", ErrUnknownInstance), protocol.ErrCodeUnknownInstance},
		{NewSessionError("s", "x", ErrUnknownHandler), protocol.ErrCodeUnknownHandler},
		{&HandlerError{Err: errBoom}, protocol.ErrCodeHandlerFailed},
		{&RenderError{Err: errBoom}, protocol.ErrCodeRenderFailed},
		{errBoom, protocol.ErrCodeServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}
