package processing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/processing"
)

func encode(t *testing.T, format string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func TestImageInspectorReportsHeader(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "gif"} {
		t.Run(format, func(t *testing.T) {
			payload := encode(t, format, 40, 30)
			res, err := processing.ImageInspector{}.Process(context.Background(), &broker.Task{ID: "t", Payload: payload})
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			var info processing.ImageInfo
			if err := json.Unmarshal(res, &info); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if info.Format != format || info.Width != 40 || info.Height != 30 || info.Bytes != len(payload) {
				t.Fatalf("info = %+v", info)
			}
			if len(info.SHA256) != 64 {
				t.Fatalf("sha256 = %q", info.SHA256)
			}
		})
	}
}

func TestImageInspectorRejectsGarbagePermanently(t *testing.T) {
	_, err := processing.ImageInspector{}.Process(context.Background(), &broker.Task{Payload: []byte("not an image")})
	if err == nil || !fault.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	_, err = processing.ImageInspector{}.Process(context.Background(), &broker.Task{})
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("empty payload err = %v", err)
	}
}

func TestImageInspectorMaxPixels(t *testing.T) {
	payload := encode(t, "png", 100, 100)
	_, err := processing.ImageInspector{MaxPixels: 5000}.Process(context.Background(), &broker.Task{Payload: payload})
	if err == nil || !fault.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent pixel limit", err)
	}
}

func TestImageInspectorEstimate(t *testing.T) {
	payload := encode(t, "png", 100, 50)
	got := processing.ImageInspector{}.EstimateMemory("face_detection", payload)
	want := uint64(100*50*4 + len(payload))
	if got != want {
		t.Fatalf("estimate = %d, want %d", got, want)
	}
	if got := (processing.ImageInspector{}).EstimateMemory("x", []byte("abc")); got != 3 {
		t.Fatalf("fallback estimate = %d", got)
	}
}

func TestRegistryRoutesByKind(t *testing.T) {
	r := processing.NewRegistry()
	r.Register("echo", processing.ProcessorFunc(func(_ context.Context, task *broker.Task) (processing.Result, error) {
		return processing.Result(task.Payload), nil
	}))
	r.Register("image", processing.ImageInspector{})

	res, err := r.Process(context.Background(), &broker.Task{Kind: "echo", Payload: []byte(`"hi"`)})
	if err != nil || string(res) != `"hi"` {
		t.Fatalf("echo = %s, %v", res, err)
	}
	_, err = r.Process(context.Background(), &broker.Task{Kind: "unknown"})
	if !fault.IsPermanent(err) {
		t.Fatalf("unknown kind err = %v, want permanent", err)
	}
	if r.EstimateMemory("echo", []byte("x")) != 0 {
		t.Fatal("non-estimator should estimate 0")
	}
	if r.EstimateMemory("image", []byte("xyz")) != 3 {
		t.Fatal("image estimate not delegated")
	}
	if len(r.Kinds()) != 2 {
		t.Fatalf("kinds = %v", r.Kinds())
	}
}

func TestCleanupPurgesOldTerminalTasks(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "c.db"), broker.WithClock(clock))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Push(ctx, &broker.Task{ID: "old", Queue: "default", Kind: "x"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	leased, _, err := store.PopLease(ctx, "default", "w", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := store.Ack(ctx, leased.ID, "w", leased.Version, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := store.Push(ctx, &broker.Task{ID: "pending", Queue: "default", Kind: "x"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	later := func() time.Time { return now.Add(48 * time.Hour) }
	c := processing.Cleanup{Store: store, Retention: 24 * time.Hour, Clock: later}
	res, err := c.Process(ctx, &broker.Task{ID: "cleanup"})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var out struct {
		Purged int64 `json:"purged"`
	}
	if err := json.Unmarshal(res, &out); err != nil || out.Purged != 1 {
		t.Fatalf("result = %s, %v", res, err)
	}
	if _, err := store.GetTask(ctx, "old"); !errors.Is(err, broker.ErrNotFound) {
		t.Fatalf("old task still present: %v", err)
	}
	if _, err := store.GetTask(ctx, "pending"); err != nil {
		t.Fatalf("pending task purged: %v", err)
	}
}

func TestCleanupRejectsBadPayload(t *testing.T) {
	_, err := processing.Cleanup{}.Process(context.Background(), &broker.Task{Payload: []byte("{")})
	if !fault.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
