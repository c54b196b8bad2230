package ingress_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/snapq/internal/audit"
	"github.com/basket/snapq/internal/auth"
	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/ingress"
	"github.com/basket/snapq/internal/processing"
	"github.com/basket/snapq/internal/queue"
	"github.com/basket/snapq/internal/tracker"
	"github.com/basket/snapq/internal/worker"
)

const (
	testSecret   = "ingress-test-secret-0123456789"
	testPassword = "s3cret"
)

var aliceHash = sync.OnceValue(func() string {
	h, err := auth.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	return h
})

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store broker.Store
	bus   *bus.Bus
	q     *queue.Manager
	tr    *tracker.Tracker
	auth  *auth.Local
	clock *fakeClock
	srv   *ingress.Server
	ts    *httptest.Server
	path  string
}

func newHarness(t *testing.T, limits ingress.Limits, opts ...func(*ingress.Config)) *harness {
	t.Helper()
	store, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "ingress.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New()
	q, err := queue.New(queue.Config{
		Store:         store,
		Queues:        []config.QueueEntry{{Name: "default", Weight: 1}, {Name: "face_detection", Weight: 1}},
		MaxRetries:    2,
		LeaseDuration: 5 * time.Second,
		Bus:           b,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	tr := tracker.New(tracker.Config{Store: store, Bus: b, PollInterval: 50 * time.Millisecond})

	clock := &fakeClock{now: time.Now()}
	local, err := auth.NewLocal(config.AuthConfig{
		Secret:          testSecret,
		Issuer:          "snapq",
		TokenTTLMinutes: 60,
		Users:           []config.UserConfig{{Username: "alice", PasswordHash: aliceHash()}},
	})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	local.WithClock(clock.Now)

	cfg := ingress.Config{
		Queue:   q,
		Tracker: tr,
		Store:   store,
		Auth:    local,
		Limits:  limits,
		Clock:   clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := ingress.New(cfg)
	if err != nil {
		t.Fatalf("new ingress: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	path := limits.Path
	if path == "" {
		path = "/ws/upload"
	}
	return &harness{store: store, bus: b, q: q, tr: tr, auth: local, clock: clock, srv: srv, ts: ts, path: path}
}

func (h *harness) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := h.auth.Issue(subject)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok.AccessToken
}

// startWorker runs one in-process worker that inspects uploaded images.
func (h *harness) startWorker(t *testing.T) {
	t.Helper()
	reg := processing.NewRegistry()
	reg.Register("face_detection", processing.ImageInspector{})
	w := worker.New("w-ingress", worker.Config{
		Queue:             h.q,
		Store:             h.store,
		Processor:         reg,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		Bus:               h.bus,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + h.path
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msg ingress.ClientMessage) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendRaw(typ websocket.MessageType, data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, typ, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv() ingress.Reply {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var r ingress.Reply
	if err := wsjson.Read(ctx, c.conn, &r); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return r
}

func (c *client) expect(status string) ingress.Reply {
	c.t.Helper()
	r := c.recv()
	if r.Status != status {
		c.t.Fatalf("reply = %+v, want status %q", r, status)
	}
	return r
}

func (c *client) expectError(code int, contains string) ingress.Reply {
	c.t.Helper()
	r := c.expect(ingress.StatusError)
	if code != 0 && r.Code != code {
		c.t.Fatalf("error code = %d, want %d (%+v)", r.Code, code, r)
	}
	if !strings.Contains(r.Error, contains) {
		c.t.Fatalf("error = %q, want it to contain %q", r.Error, contains)
	}
	return r
}

// readAll reads replies until the server closes the connection.
func (c *client) readAll() ([]ingress.Reply, websocket.StatusCode) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []ingress.Reply
	for {
		var r ingress.Reply
		if err := wsjson.Read(ctx, c.conn, &r); err != nil {
			if ctx.Err() != nil {
				c.t.Fatalf("connection not closed; replies so far: %+v", out)
			}
			return out, websocket.CloseStatus(err)
		}
		out = append(out, r)
	}
}

func (c *client) expectClose(want websocket.StatusCode) {
	c.t.Helper()
	replies, status := c.readAll()
	if status != want {
		c.t.Fatalf("close status = %v, want %v (replies %+v)", status, want, replies)
	}
}

func (c *client) authenticate(token string) ingress.Reply {
	c.t.Helper()
	c.send(ingress.ClientMessage{Token: token})
	r := c.expect(ingress.StatusAuthenticated)
	if r.ConnectionID == "" {
		c.t.Fatal("authenticated reply has no connection id")
	}
	return r
}

// upload sends data in n chunks followed by a separate eof frame.
func (c *client) upload(name string, data []byte, n int) {
	c.t.Helper()
	size := (len(data) + n - 1) / n
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		c.send(ingress.ClientMessage{FileName: name, FileData: base64.StdEncoding.EncodeToString(data[off:end])})
	}
	c.send(ingress.ClientMessage{FileName: name, EOF: true})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: uint8(x * 20), A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func countStatus(replies []ingress.Reply, status string) int {
	n := 0
	for _, r := range replies {
		if r.Status == status {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUploadBatchEndToEnd(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	h.startWorker(t)
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.upload("a.jpg", jpegBytes(t, 16, 8), 3)
	c.upload("b.jpg", pngBytes(t, 8, 8), 2)
	c.send(ingress.ClientMessage{FileName: ingress.EndMarker})

	replies, status := c.readAll()
	if status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure (replies %+v)", status, replies)
	}
	if got := countStatus(replies, ingress.StatusReceived); got != 5 {
		t.Errorf("received replies = %d, want 5", got)
	}
	if got := countStatus(replies, ingress.StatusAccepted); got != 2 {
		t.Errorf("accepted replies = %d, want 2", got)
	}
	if got := countStatus(replies, string(broker.StatusSuccess)); got != 2 {
		t.Errorf("SUCCESS replies = %d, want 2 (replies %+v)", got, replies)
	}
	last := replies[len(replies)-1]
	if last.Status != ingress.StatusBatchComplete || last.Tasks != 2 {
		t.Errorf("last reply = %+v, want batch_complete with 2 tasks", last)
	}

	tasks, err := tracker.Collect(h.tr.List(context.Background(), broker.Filter{Queue: "face_detection"}), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks in face_detection = %d, want 2", len(tasks))
	}
	names := map[string]bool{}
	for _, task := range tasks {
		names[task.Meta.FileName] = true
		if task.Meta.Identity != "alice" {
			t.Errorf("task %s identity = %q, want alice", task.ID, task.Meta.Identity)
		}
		if task.Status != broker.StatusSuccess {
			t.Errorf("task %s status = %s, want SUCCESS", task.ID, task.Status)
		}
		var info processing.ImageInfo
		if err := json.Unmarshal(task.Result, &info); err != nil || info.Width == 0 {
			t.Errorf("task %s result = %s (%v)", task.ID, task.Result, err)
		}
	}
	if !names["a.jpg"] || !names["b.jpg"] {
		t.Errorf("file names = %v, want a.jpg and b.jpg", names)
	}
}

func TestUploadReportsProcessingFailure(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	h.startWorker(t)
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.upload("notes.txt", []byte("definitely not an image"), 1)
	c.send(ingress.ClientMessage{FileName: ingress.EndMarker})

	replies, status := c.readAll()
	if status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (replies %+v)", status, replies)
	}
	var failed *ingress.Reply
	for i := range replies {
		if replies[i].Status == string(broker.StatusFailure) {
			failed = &replies[i]
		}
	}
	if failed == nil {
		t.Fatalf("no FAILURE reply in %+v", replies)
	}
	if failed.FileName != "notes.txt" || failed.Error == "" || failed.Kind != "PROCESSING" {
		t.Errorf("failure reply = %+v", *failed)
	}
}

func TestDuplicateUploadSharesTask(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))
	img := pngBytes(t, 4, 4)

	c.upload("first.png", img, 1)
	c.expect(ingress.StatusReceived)
	first := c.expect(ingress.StatusAccepted)

	c.upload("copy.png", img, 1)
	c.expect(ingress.StatusReceived)
	dup := c.expect(ingress.StatusDuplicate)
	if dup.TaskID != first.TaskID {
		t.Fatalf("duplicate task = %q, want %q", dup.TaskID, first.TaskID)
	}

	// Leaving without END keeps the task queued.
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session to close", func() bool { return h.srv.SessionCount() == 0 })

	tasks, err := tracker.Collect(h.tr.List(context.Background(), broker.Filter{Queue: "face_detection"}), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != broker.StatusPending {
		t.Fatalf("tasks = %+v, want one PENDING task", tasks)
	}
}

func TestDuplicateInBatchCountedOnce(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	h.startWorker(t)
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))
	img := pngBytes(t, 6, 6)

	c.upload("one.png", img, 2)
	c.upload("two.png", img, 2)
	c.send(ingress.ClientMessage{FileName: ingress.EndMarker})

	replies, status := c.readAll()
	if status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (replies %+v)", status, replies)
	}
	if got := countStatus(replies, string(broker.StatusSuccess)); got != 1 {
		t.Errorf("SUCCESS replies = %d, want 1", got)
	}
	last := replies[len(replies)-1]
	if last.Status != ingress.StatusBatchComplete || last.Tasks != 1 {
		t.Errorf("last reply = %+v, want batch_complete with 1 task", last)
	}
}

func TestInvalidFramesKeepSessionOpen(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.sendRaw(websocket.MessageText, []byte("not json"))
	c.expectError(ingress.CodeBadRequest, "malformed JSON")

	c.sendRaw(websocket.MessageText, []byte(`{"fileName":"x.jpg","fileData":"AAAA","extra":1}`))
	c.expectError(ingress.CodeBadRequest, "invalid message")

	c.sendRaw(websocket.MessageText, []byte(`{"fileName":"x.jpg"}`))
	c.expectError(ingress.CodeBadRequest, "invalid message")

	c.sendRaw(websocket.MessageBinary, []byte{1, 2, 3})
	c.expectError(ingress.CodeBadRequest, "binary frames")

	c.send(ingress.ClientMessage{FileName: "ghost.jpg", EOF: true})
	c.expectError(ingress.CodeBadRequest, "no data")

	c.send(ingress.ClientMessage{FileName: "bad.jpg", FileData: "@@not-base64@@"})
	r := c.expectError(ingress.CodeBadRequest, "base64")
	if r.FileName != "bad.jpg" || r.Kind != "VALIDATION" {
		t.Errorf("reply = %+v", r)
	}
	c.send(ingress.ClientMessage{FileName: "bad.jpg", EOF: true})
	c.expectError(ingress.CodeBadRequest, "no valid data")

	c.upload("good.png", pngBytes(t, 2, 2), 1)
	c.expect(ingress.StatusReceived)
	c.expect(ingress.StatusAccepted)
}

func TestEndDiscardsIncompleteFiles(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.send(ingress.ClientMessage{FileName: "partial.jpg", FileData: base64.StdEncoding.EncodeToString([]byte("half"))})
	c.expect(ingress.StatusReceived)
	c.send(ingress.ClientMessage{FileName: ingress.EndMarker})

	r := c.expectError(ingress.CodeBadRequest, "discarded")
	if r.FileName != "partial.jpg" {
		t.Errorf("discard reply file = %q", r.FileName)
	}
	done := c.expect(ingress.StatusBatchComplete)
	if done.Tasks != 0 {
		t.Errorf("batch tasks = %d, want 0", done.Tasks)
	}
	c.expectClose(websocket.StatusNormalClosure)

	n, err := h.store.Depth(context.Background(), "face_detection")
	if err != nil || n != 0 {
		t.Fatalf("depth = %d, %v; want 0", n, err)
	}
}

func TestAuthenticationFailuresClose(t *testing.T) {
	h := newHarness(t, ingress.Limits{AuthTimeout: 100 * time.Millisecond})

	t.Run("bad token", func(t *testing.T) {
		c := h.dial(t)
		c.send(ingress.ClientMessage{Token: "garbage"})
		r := c.expectError(ingress.CodeUnauthorized, "invalid or expired token")
		if r.Kind != "AUTH" {
			t.Errorf("kind = %q, want AUTH", r.Kind)
		}
		c.expectClose(websocket.StatusPolicyViolation)
	})

	t.Run("missing token", func(t *testing.T) {
		c := h.dial(t)
		c.send(ingress.ClientMessage{FileName: "a.jpg", FileData: "AAAA"})
		c.expectError(ingress.CodeUnauthorized, "must carry a token")
		c.expectClose(websocket.StatusPolicyViolation)
	})

	t.Run("timeout", func(t *testing.T) {
		c := h.dial(t)
		c.expectError(ingress.CodeUnauthorized, "authentication timeout")
		c.expectClose(websocket.StatusPolicyViolation)
	})

	t.Run("token mismatch", func(t *testing.T) {
		c := h.dial(t)
		c.authenticate(h.token(t, "alice"))
		c.send(ingress.ClientMessage{FileName: "a.jpg", FileData: "AAAA", Token: h.token(t, "mallory")})
		c.expectError(ingress.CodeUnauthorized, "does not match")
		c.expectClose(websocket.StatusPolicyViolation)
	})

	if n, _ := h.store.Depth(context.Background(), "face_detection"); n != 0 {
		t.Fatalf("depth = %d after rejected sessions", n)
	}
}

func TestAuthDecisionsAudited(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	h := newHarness(t, ingress.Limits{})

	bad := h.dial(t)
	bad.send(ingress.ClientMessage{Token: "garbage"})
	bad.expectError(ingress.CodeUnauthorized, "invalid or expired token")

	good := h.dial(t)
	connID := good.authenticate(h.token(t, "alice")).ConnectionID

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var allowed, denied bool
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		if e["action"] != audit.ActionUpload {
			continue
		}
		switch e["decision"] {
		case audit.Deny:
			denied = true
		case audit.Allow:
			allowed = e["subject"] == "alice" && e["connection_id"] == connID
		}
	}
	if !allowed || !denied {
		t.Fatalf("audit log missing upload decisions (allowed=%v denied=%v):\n%s", allowed, denied, raw)
	}
}

func TestTokenExpiryEndsSession(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	h.clock.Advance(2 * time.Hour)
	c.send(ingress.ClientMessage{FileName: "late.jpg", FileData: "AAAA"})
	c.expectError(ingress.CodeUnauthorized, "token expired")
	c.expectClose(websocket.StatusPolicyViolation)
}

func TestRefreshedTokenExtendsSession(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	h.clock.Advance(50 * time.Minute)
	c.send(ingress.ClientMessage{FileName: "a.jpg", FileData: "AAAA", Token: h.token(t, "alice")})
	c.expect(ingress.StatusReceived)

	h.clock.Advance(30 * time.Minute)
	c.send(ingress.ClientMessage{FileName: "a.jpg", FileData: "AAAA"})
	c.expect(ingress.StatusReceived)

	c.send(ingress.ClientMessage{FileName: "a.jpg", FileData: "AAAA", Token: "garbage"})
	c.expectError(ingress.CodeUnauthorized, "invalid or expired token")
	c.expectClose(websocket.StatusPolicyViolation)
}

func TestAuthFrameMayCarryFirstChunk(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	tok := h.token(t, "alice")
	img := pngBytes(t, 3, 3)

	c.send(ingress.ClientMessage{Token: tok, FileName: "x.png", FileData: base64.StdEncoding.EncodeToString(img), EOF: true})
	c.expect(ingress.StatusAuthenticated)
	c.expect(ingress.StatusReceived)
	c.expect(ingress.StatusAccepted)
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t, ingress.Limits{IdleTimeout: 150 * time.Millisecond})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.expectError(ingress.CodeIdle, "idle timeout")
	c.expectClose(websocket.StatusNormalClosure)
}

func TestEndDisablesIdleTimeout(t *testing.T) {
	h := newHarness(t, ingress.Limits{IdleTimeout: 150 * time.Millisecond})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.upload("slow.png", pngBytes(t, 5, 5), 1)
	c.expect(ingress.StatusReceived)
	c.expect(ingress.StatusAccepted)
	c.send(ingress.ClientMessage{FileName: ingress.EndMarker})

	// Longer than the idle timeout with nothing in flight on the wire.
	time.Sleep(450 * time.Millisecond)
	h.startWorker(t)

	c.expect(string(broker.StatusSuccess))
	c.expect(ingress.StatusBatchComplete)
	c.expectClose(websocket.StatusNormalClosure)
}

func TestFileSizeLimit(t *testing.T) {
	h := newHarness(t, ingress.Limits{MaxFileBytes: 16})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))
	chunk := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{'x'}, 10))

	c.send(ingress.ClientMessage{FileName: "big.bin", FileData: chunk})
	c.expect(ingress.StatusReceived)
	c.send(ingress.ClientMessage{FileName: "big.bin", FileData: chunk})
	c.expectError(ingress.CodeTooLarge, "exceeds 16 bytes")
	c.send(ingress.ClientMessage{FileName: "big.bin", FileData: chunk})
	c.expectError(ingress.CodeBadRequest, "rejected")
	c.send(ingress.ClientMessage{FileName: "big.bin", EOF: true})
	c.expectError(ingress.CodeBadRequest, "rejected")

	// The name is usable again after its eof.
	c.send(ingress.ClientMessage{FileName: "big.bin", FileData: chunk})
	c.expect(ingress.StatusReceived)
}

func TestOpenFileLimit(t *testing.T) {
	h := newHarness(t, ingress.Limits{MaxOpenFiles: 1})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))
	data := base64.StdEncoding.EncodeToString([]byte("abc"))

	c.send(ingress.ClientMessage{FileName: "a", FileData: data})
	c.expect(ingress.StatusReceived)
	c.send(ingress.ClientMessage{FileName: "b", FileData: data})
	r := c.expectError(0, "too many files")
	if r.Kind != "RESOURCE" {
		t.Errorf("kind = %q, want RESOURCE", r.Kind)
	}
}

func TestUploadRateLimitPerIdentity(t *testing.T) {
	h := newHarness(t, ingress.Limits{UploadsPerMinute: 1, UploadBurst: 1})
	c := h.dial(t)
	c.authenticate(h.token(t, "alice"))

	c.upload("one.png", pngBytes(t, 2, 2), 1)
	c.expect(ingress.StatusReceived)
	c.expect(ingress.StatusAccepted)

	c.send(ingress.ClientMessage{FileName: "two.png", FileData: "AAAA"})
	c.expectError(ingress.CodeRateLimited, "rate limit")

	other := h.dial(t)
	other.authenticate(h.token(t, "bob"))
	other.upload("three.png", pngBytes(t, 3, 2), 1)
	other.expect(ingress.StatusReceived)
	other.expect(ingress.StatusAccepted)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx, ln) }()

	wsURL := "ws://" + ln.Addr().String() + "/ws/upload"
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{t: t, conn: conn}
	c.authenticate(h.token(t, "alice"))

	cancel()
	c.expectClose(websocket.StatusGoingAway)
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func (h *harness) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestTokenEndpoint(t *testing.T) {
	h := newHarness(t, ingress.Limits{})

	post := func(contentType, body string) (*http.Response, []byte) {
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/auth/token", strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		return do(t, req)
	}

	resp, body := post("application/json", `{"username":"alice","password":"s3cret"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json token status = %d: %s", resp.StatusCode, body)
	}
	var tok auth.Token
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("token = %+v, %v", tok, err)
	}
	if _, err := h.auth.Verify(context.Background(), tok.AccessToken); err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}

	form := url.Values{"username": {"alice"}, "password": {testPassword}}.Encode()
	if resp, body := post("application/x-www-form-urlencoded", form); resp.StatusCode != http.StatusOK {
		t.Fatalf("form token status = %d: %s", resp.StatusCode, body)
	}

	if resp, _ := post("application/json", `{"username":"alice","password":"nope"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := post("application/json", `{"username":"alice"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing password status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIRequiresBearer(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	for _, tc := range []struct{ name, token string }{
		{"missing", ""},
		{"invalid", "not-a-token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := h.get(t, "/api/tasks", tc.token)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestAPITasks(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	ctx := context.Background()
	img, err := h.q.Push(ctx, queue.Spec{Queue: "face_detection", Kind: "face_detection", Payload: pngBytes(t, 2, 2),
		Meta: broker.Meta{FileName: "p.png", Identity: "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.q.Push(ctx, queue.Spec{Queue: "default", Kind: "maintenance.cleanup"}); err != nil {
		t.Fatal(err)
	}
	tok := h.token(t, "alice")

	resp, body := h.get(t, "/api/tasks?queue=face_detection", tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	if bytes.Contains(body, []byte(`"payload"`)) {
		t.Error("list response includes task payloads")
	}
	var list struct {
		Tasks []struct {
			ID     string        `json:"id"`
			Status broker.Status `json:"status"`
			Meta   broker.Meta   `json:"meta"`
		} `json:"tasks"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Tasks[0].ID != img.ID || list.Tasks[0].Meta.FileName != "p.png" {
		t.Fatalf("list = %+v", list)
	}

	if resp, body := h.get(t, "/api/tasks?limit=1", tok); resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"count":1`)) {
		t.Errorf("limit=1 -> %d %s", resp.StatusCode, body)
	}
	if resp, _ := h.get(t, "/api/tasks?status=bogus", tok); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter -> %d, want 400", resp.StatusCode)
	}
	if resp, _ := h.get(t, "/api/tasks?status=pending", tok); resp.StatusCode != http.StatusOK {
		t.Errorf("lower-case status filter -> %d, want 200", resp.StatusCode)
	}

	if resp, body := h.get(t, "/api/tasks/"+img.ID, tok); resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"PENDING"`)) {
		t.Errorf("get task -> %d %s", resp.StatusCode, body)
	}
	if resp, _ := h.get(t, "/api/tasks/missing", tok); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task -> %d, want 404", resp.StatusCode)
	}

	resp, body = h.get(t, "/api/tasks/"+img.ID+"/events", tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d: %s", resp.StatusCode, body)
	}
	var events struct {
		Events []broker.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatal(err)
	}
	if len(events.Events) == 0 || events.Events[0].Reason != broker.ReasonEnqueued {
		t.Errorf("events = %+v", events.Events)
	}
}

type fakePool struct{ snap worker.Snapshot }

func (f fakePool) Snapshot() worker.Snapshot { return f.snap }

func TestAPIPool(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	if resp, _ := h.get(t, "/api/pool", h.token(t, "alice")); resp.StatusCode != http.StatusNotFound {
		t.Errorf("pool without controller -> %d, want 404", resp.StatusCode)
	}

	pool := fakePool{snap: worker.Snapshot{
		Workers:    []worker.Info{{ID: "w-1", State: worker.StateIdle}},
		Policy:     worker.ScalingPolicy{MinWorkers: 1, MaxWorkers: 4},
		CPUPercent: 12.5,
	}}
	h = newHarness(t, ingress.Limits{}, func(c *ingress.Config) { c.Pool = pool })
	resp, body := h.get(t, "/api/pool", h.token(t, "alice"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pool status = %d: %s", resp.StatusCode, body)
	}
	var snap worker.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Workers) != 1 || snap.Workers[0].ID != "w-1" || snap.Policy.MaxWorkers != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAPISessions(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	c := h.dial(t)
	connID := c.authenticate(h.token(t, "alice")).ConnectionID

	resp, body := h.get(t, "/api/sessions", h.token(t, "bob"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.StatusCode)
	}
	var out struct {
		Sessions []ingress.Session `json:"sessions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].ConnectionID != connID || out.Sessions[0].Identity != "alice" {
		t.Fatalf("sessions = %+v", out.Sessions)
	}
	if bytes.Contains(body, []byte("token")) {
		t.Error("session listing leaks the token")
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	resp, body := h.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"healthy":true`)) {
		t.Fatalf("healthz -> %d %s", resp.StatusCode, body)
	}
	_ = h.store.Close()
	if resp, _ := h.get(t, "/healthz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz with closed broker -> %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, ingress.Limits{})
	resp, body := h.get(t, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("snapq_ingress_sessions")) {
		t.Fatalf("metrics -> %d, missing ingress gauge", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	const origin = "https://app.example.com"
	h := newHarness(t, ingress.Limits{AllowOrigins: []string{origin}})

	req, _ := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/tasks", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, _ := do(t, req)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != origin {
		t.Fatalf("allow origin = %q, want %q", got, origin)
	}

	req, _ = http.NewRequest(http.MethodOptions, h.ts.URL+"/api/tasks", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, _ = do(t, req)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}
