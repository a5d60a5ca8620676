package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pyground/codec"
	"github.com/caffeineduck/pyground/executor"
	"github.com/caffeineduck/pyground/store"
	"github.com/caffeineduck/pyground/worker/workertest"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *store.Memory) {
	t.Helper()
	exec, err := executor.New(workertest.NewFactory(workertest.Echo))
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })

	mem := store.NewMemory()
	srv := httptest.NewServer(New(exec, mem, nil, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, mem
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until stop returns true and returns all of them.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(ServerMessage) bool) []ServerMessage {
	t.Helper()
	var frames []ServerMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read after %v: %v", frames, err)
		}
		frames = append(frames, msg)
		if stop(msg) {
			return frames
		}
	}
}

func isType(typ MessageType) func(ServerMessage) bool {
	return func(m ServerMessage) bool { return m.Type == typ }
}

func TestHelloLoadsSharedCode(t *testing.T) {
	srv, mem := newTestServer(t)
	conn := dial(t, srv)

	shared := "print('shared')\n"
	sendFrame(t, conn, ClientMessage{Type: MsgHello, Fragment: codec.Fragment(shared)})

	frames := readUntil(t, conn, isType(MsgCode))
	last := frames[len(frames)-1]
	if last.Code == nil || *last.Code != shared {
		t.Fatalf("code frame = %+v", last)
	}

	var share *ServerMessage
	for i := range frames {
		if frames[i].Type == MsgShare {
			share = &frames[i]
		}
	}
	if share == nil || share.Token != codec.Encode(shared) {
		t.Fatalf("expected share frame before code, got %+v", frames)
	}
	if !strings.HasPrefix(share.URL, srv.URL+"/#") {
		t.Errorf("share url = %q", share.URL)
	}

	if saved, ok, _ := mem.Load(t.Context()); !ok || saved != shared {
		t.Errorf("store has %q", saved)
	}
}

func TestHelloWithoutFragmentUsesDefault(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendFrame(t, conn, ClientMessage{Type: MsgHello, Fragment: "#"})
	frames := readUntil(t, conn, isType(MsgCode))
	if code := frames[len(frames)-1].Code; code == nil || *code != store.DefaultCode {
		t.Errorf("expected default code, got %v", code)
	}
}

func TestRunOverWebsocket(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	sendFrame(t, conn, ClientMessage{Type: MsgHello})
	readUntil(t, conn, isType(MsgCode))

	code := "hello"
	sendFrame(t, conn, ClientMessage{Type: MsgCode, Code: &code})
	readUntil(t, conn, isType(MsgShare))
	sendFrame(t, conn, ClientMessage{Type: MsgRun})

	sawRunning := false
	frames := readUntil(t, conn, func(m ServerMessage) bool {
		if m.Type != MsgRunning {
			return false
		}
		if *m.Running {
			sawRunning = true
			return false
		}
		return sawRunning
	})

	var output strings.Builder
	for _, f := range frames {
		if f.Type == MsgAppend {
			output.WriteString(f.Text)
		}
	}
	if frames[0].Type != MsgClear {
		t.Errorf("first frame = %+v, want clear", frames[0])
	}
	if output.String() != "hello\n" {
		t.Errorf("output = %q", output.String())
	}
}

func TestStopOverWebsocket(t *testing.T) {
	srv, _ := newTestServer(t, WithSessionOptions(executor.WithCancelGrace(10*time.Millisecond)))
	conn := dial(t, srv)

	code := "hang"
	sendFrame(t, conn, ClientMessage{Type: MsgCode, Code: &code})
	readUntil(t, conn, isType(MsgShare))
	sendFrame(t, conn, ClientMessage{Type: MsgRun})
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgRunning && *m.Running })

	sendFrame(t, conn, ClientMessage{Type: MsgStop})
	frames := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgRunning && !*m.Running })

	if len(frames) != 2 || frames[0].Type != MsgAppend || frames[0].Text != "\n--- Execution stopped by user ---\n" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestMalformedFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	frames := readUntil(t, conn, isType(MsgError))
	if frames[0].Text != "malformed message" {
		t.Errorf("frame = %+v", frames[0])
	}

	sendFrame(t, conn, map[string]string{"type": "format"})
	frames = readUntil(t, conn, isType(MsgError))
	if !strings.Contains(frames[0].Text, "format") {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestShareAPI(t *testing.T) {
	srv, _ := newTestServer(t, WithPublicURL("https://play.example.com"))
	code := "for i in range(3):\n    print(i)\n"

	body := strings.NewReader(`{"code":` + mustJSON(t, code) + `}`)
	resp, err := http.Post(srv.URL+"/api/share", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var shared shareResponse
	decodeBody(t, resp, http.StatusOK, &shared)

	if shared.Token != codec.Encode(code) {
		t.Errorf("token = %q", shared.Token)
	}
	if shared.URL != "https://play.example.com/#"+shared.Token {
		t.Errorf("url = %q", shared.URL)
	}

	resp, err = http.Get(srv.URL + "/api/share/" + shared.Token)
	if err != nil {
		t.Fatal(err)
	}
	var got codeResponse
	decodeBody(t, resp, http.StatusOK, &got)
	if got.Code != code {
		t.Errorf("code = %q", got.Code)
	}
}

func TestShareAPIErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/share", "application/json", strings.NewReader("nope"))
	if err != nil {
		t.Fatal(err)
	}
	var e errorResponse
	decodeBody(t, resp, http.StatusBadRequest, &e)

	resp, err = http.Get(srv.URL + "/api/share/" + codec.Encode("x")[:1])
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, http.StatusBadRequest, &e)
	if e.Cause != codec.CauseAlphabet.String() {
		t.Errorf("cause = %q", e.Cause)
	}
}

func TestShareAPITooLarge(t *testing.T) {
	srv, _ := newTestServer(t)

	code := strings.Repeat("a", codec.MaxTextSize+1)
	body := strings.NewReader(`{"code":"` + code + `"}`)
	resp, err := http.Post(srv.URL+"/api/share", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var e errorResponse
	decodeBody(t, resp, http.StatusRequestEntityTooLarge, &e)
	if e.Cause != codec.CauseTooLarge.String() {
		t.Errorf("cause = %q", e.Cause)
	}
}

func TestCodeFrameTooLarge(t *testing.T) {
	srv, mem := newTestServer(t)
	conn := dial(t, srv)

	code := strings.Repeat("a", codec.MaxTextSize+1)
	sendFrame(t, conn, ClientMessage{Type: MsgCode, Code: &code})

	frames := readUntil(t, conn, isType(MsgError))
	last := frames[len(frames)-1]
	if !strings.Contains(last.Text, "exceeds") {
		t.Errorf("error frame = %+v", last)
	}
	for _, f := range frames {
		if f.Type == MsgShare {
			t.Errorf("no share token should be sent for oversized code: %+v", f)
		}
	}
	if saved, ok, _ := mem.Load(context.Background()); ok && saved == code {
		t.Error("oversized code was saved")
	}
}

func TestStaticAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(page), `<textarea id="editor"`) {
		t.Errorf("index: %d %q", resp.StatusCode, page)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]string
	decodeBody(t, resp, http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"same host", nil, "http://play.local:8080", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"loopback v6", nil, "http://[::1]:3000", true},
		{"foreign", nil, "https://evil.example.com", false},
		{"allow-list hit", []string{"https://play.example.com"}, "https://play.example.com", true},
		{"allow-list miss", []string{"https://play.example.com"}, "http://localhost:3000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, nil, nil, WithAllowedOrigins(tt.allowed))
			req := httptest.NewRequest(http.MethodGet, "http://play.local:8080/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func decodeBody(t *testing.T, resp *http.Response, status int, v any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
