package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepay/internal/health"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
	facemock "github.com/MrWong99/voicepay/pkg/face/mock"
)

type fakeAssistant struct {
	reply string
	err   error
}

func (a fakeAssistant) Reply(context.Context, string) (string, error) { return a.reply, a.err }

// failingStore fails every call with a backend error.
type failingStore struct{}

func (failingStore) Lookup(context.Context, string) (userstore.Profile, error) {
	return userstore.Profile{}, errors.New("connection reset")
}

func (failingStore) Register(context.Context, userstore.Profile) (userstore.Profile, error) {
	return userstore.Profile{}, errors.New("connection reset")
}

func (failingStore) Close() error { return nil }

type fakeVoice struct {
	mu          sync.Mutex
	client      Client
	transcripts []string
	errors      []string
	ended       int
	faces       []uint64
	actions     []string
	audio       int
	stopped     int
}

func (v *fakeVoice) Start(_ context.Context, c Client) (Voice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.client = c
	return v, nil
}

func (v *fakeVoice) Stop(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped++
	return nil
}

func (v *fakeVoice) Transcript(_ context.Context, text string, final bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if final {
		text += "!"
	}
	v.transcripts = append(v.transcripts, text)
}

func (v *fakeVoice) SpeechError(code string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errors = append(v.errors, code)
}

func (v *fakeVoice) SpeechEnd() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ended++
}

func (v *fakeVoice) Face(id uint64, _ face.Descriptor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faces = append(v.faces, id)
}

func (v *fakeVoice) Action(_ context.Context, name, _ string) error {
	if name == "bogus" {
		return errors.New("session: unknown action")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actions = append(v.actions, name)
	return nil
}

func (v *fakeVoice) Audio([]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.audio++
	return nil
}

func (v *fakeVoice) snapshot(fn func(v *fakeVoice) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fn(v)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func post(t *testing.T, h http.Handler, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec.Code, out
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	s := New(Config{Users: userstore.NewMemory(), MetricsHandler: http.NotFoundHandler()})

	desc, _ := json.Marshal(facemock.Descriptor(0.2))
	body := `{"mobile":"9000012345","name":"Asha","faceDescriptor":` + string(desc) + `,"faceImageUrl":"https://img/asha.jpg"}`

	code, out := post(t, s, "/api/register", body)
	if code != http.StatusOK || out["success"] != true || out["message"] != "Registration successful" {
		t.Fatalf("register = %d %v", code, out)
	}

	code, out = post(t, s, "/api/register", body)
	if code != http.StatusBadRequest || out["error"] != "User already exists" {
		t.Errorf("duplicate register = %d %v", code, out)
	}

	code, out = post(t, s, "/api/user-lookup", `{"mobile":"9000012345"}`)
	if code != http.StatusOK {
		t.Fatalf("lookup = %d %v", code, out)
	}
	if out["name"] != "Asha" || out["faceImageUrl"] != "https://img/asha.jpg" {
		t.Errorf("lookup body = %v", out)
	}
	if d, ok := out["faceDescriptor"].([]any); !ok || len(d) != face.DescriptorSize {
		t.Errorf("faceDescriptor = %v", out["faceDescriptor"])
	}

	code, out = post(t, s, "/api/user-lookup", `{"mobile":"9111111111"}`)
	if code != http.StatusNotFound || out["error"] != "User not found" {
		t.Errorf("missing lookup = %d %v", code, out)
	}
}

func TestAPI_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		users userstore.Store
		path  string
		body  string
		code  int
		key   string
		want  string
	}{
		{"register backend failure", failingStore{}, "/api/register", `{"mobile":"9000012345"}`, http.StatusInternalServerError, "error", "Registration failed"},
		{"register without mobile", userstore.NewMemory(), "/api/register", `{"name":"x"}`, http.StatusBadRequest, "error", "Invalid request"},
		{"register malformed", userstore.NewMemory(), "/api/register", `{`, http.StatusBadRequest, "error", "Invalid request"},
		{"lookup backend failure", failingStore{}, "/api/user-lookup", `{"mobile":"9000012345"}`, http.StatusInternalServerError, "error", "Lookup failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{Users: tt.users, MetricsHandler: http.NotFoundHandler()})
			code, out := post(t, s, tt.path, tt.body)
			if code != tt.code || out[tt.key] != tt.want {
				t.Errorf("got %d %v, want %d %s=%q", code, out, tt.code, tt.key, tt.want)
			}
		})
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		assistant Assistant
		body      string
		code      int
		reply     string
	}{
		{"reply", fakeAssistant{reply: "Your balance is on the dashboard."}, `{"message":"where is my balance"}`, http.StatusOK, "Your balance is on the dashboard."},
		{"provider failure", fakeAssistant{err: errors.New("timeout")}, `{"message":"hi"}`, http.StatusInternalServerError, chatUnavailable},
		{"no assistant", nil, `{"message":"hi"}`, http.StatusInternalServerError, chatUnavailable},
		{"empty message", fakeAssistant{reply: "x"}, `{}`, http.StatusBadRequest, "Please say something."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{Users: userstore.NewMemory(), Assistant: tt.assistant, MetricsHandler: http.NotFoundHandler()})
			code, out := post(t, s, "/api/chat", tt.body)
			if code != tt.code || out["reply"] != tt.reply {
				t.Errorf("got %d %v, want %d %q", code, out, tt.code, tt.reply)
			}
		})
	}
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("voicepay_commands_total 1\n"))
	})
	s := New(Config{
		Users:          userstore.NewMemory(),
		Health:         health.New(health.Checker{Name: "userstore", Check: func(context.Context) error { return nil }}),
		MetricsHandler: metrics,
	})

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/readyz":  `"userstore":"ok"`,
		"/metrics": "voicepay_commands_total",
	} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Errorf("GET %s = %d %q", path, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /ws without voice host = %d, want 404", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"any origin", nil, "http://localhost:3000", "*"},
		{"listed origin", []string{"https://pay.example.com"}, "https://pay.example.com", "https://pay.example.com"},
		{"unlisted origin", []string{"https://pay.example.com"}, "https://evil.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{Users: userstore.NewMemory(), AllowedOrigins: tt.allowed, MetricsHandler: http.NotFoundHandler()})

			req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			if tt.want != "" && rec.Code != http.StatusNoContent {
				t.Errorf("preflight = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return typ, data
}

func TestWebsocket_RoutesFrames(t *testing.T) {
	t.Parallel()
	voice := &fakeVoice{}
	ts := httptest.NewServer(New(Config{Users: userstore.NewMemory(), Voice: voice, MetricsHandler: http.NotFoundHandler()}))
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.CloseNow()

	write(t, conn, `{"type":"transcript","text":"send 500","final":false}`)
	write(t, conn, `{"type":"transcript","text":"send 500 to ravi","final":true}`)
	write(t, conn, `{"type":"speech_error","error":"not-allowed"}`)
	write(t, conn, `{"type":"speech_end"}`)
	write(t, conn, `{"type":"face","id":7,"descriptor":null}`)
	write(t, conn, `{"type":"action","name":"balance"}`)
	if err := conn.Write(context.Background(), websocket.MessageBinary, []byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "frames routed", func() bool {
		return voice.snapshot(func(v *fakeVoice) bool { return v.audio == 1 })
	})
	voice.snapshot(func(v *fakeVoice) bool {
		if len(v.transcripts) != 2 || v.transcripts[1] != "send 500 to ravi!" {
			t.Errorf("transcripts = %q", v.transcripts)
		}
		if len(v.errors) != 1 || v.errors[0] != "not-allowed" {
			t.Errorf("speech errors = %q", v.errors)
		}
		if v.ended != 1 {
			t.Errorf("speech ends = %d, want 1", v.ended)
		}
		if len(v.faces) != 1 || v.faces[0] != 7 {
			t.Errorf("faces = %v", v.faces)
		}
		if len(v.actions) != 1 || v.actions[0] != "balance" {
			t.Errorf("actions = %q", v.actions)
		}
		return true
	})

	// Frames written by the session reach the browser.
	var client Client
	voice.snapshot(func(v *fakeVoice) bool { client = v.client; return true })
	if err := client.Send(context.Background(), PartialFrame{Type: FramePartial, Text: "send"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	typ, data := readFrame(t, conn)
	if typ != websocket.MessageText || !bytes.Contains(data, []byte(`"partial"`)) {
		t.Errorf("frame = %s", data)
	}
	if err := client.SendAudio(context.Background(), []byte{9, 9}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ, data = readFrame(t, conn); typ != websocket.MessageBinary || len(data) != 2 {
		t.Errorf("audio frame = %v %v", typ, data)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "voice stopped", func() bool {
		return voice.snapshot(func(v *fakeVoice) bool { return v.stopped == 1 })
	})
}

func TestWebsocket_RejectsBadFrames(t *testing.T) {
	t.Parallel()
	voice := &fakeVoice{}
	ts := httptest.NewServer(New(Config{Users: userstore.NewMemory(), Voice: voice, MetricsHandler: http.NotFoundHandler()}))
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.CloseNow()

	for _, frame := range []string{`not json`, `{"type":"dance"}`, `{"type":"action","name":"bogus"}`} {
		write(t, conn, frame)
		_, data := readFrame(t, conn)
		var got ErrorFrame
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Type != FrameError || got.Message == "" {
			t.Errorf("%s: reply = %+v", frame, got)
		}
	}
}

func TestWebsocket_SecondConnectionConflicts(t *testing.T) {
	t.Parallel()
	voice := &fakeVoice{}
	ts := httptest.NewServer(New(Config{Users: userstore.NewMemory(), Voice: voice, MetricsHandler: http.NotFoundHandler()}))
	defer ts.Close()

	first := dial(t, ts.URL)
	defer first.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected second connection to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("response = %v, want 409", resp)
	}

	first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "first session stopped", func() bool {
		return voice.snapshot(func(v *fakeVoice) bool { return v.stopped == 1 })
	})
	waitFor(t, "slot released", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
		if err != nil {
			return false
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return true
	})
}
