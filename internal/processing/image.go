package processing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/fault"
)

// bytesPerPixel approximates a decoded RGBA frame.
const bytesPerPixel = 4

// ImageInfo is the result document of ImageInspector.
type ImageInfo struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// ImageInspector reads image headers (JPEG, PNG, GIF, WebP) and reports
// format, dimensions and digest. It stands in for the recognition model,
// which is supplied by deployments.
type ImageInspector struct {
	// MaxPixels rejects images whose decoded frame would exceed it; 0 means
	// no limit.
	MaxPixels int
}

func (i ImageInspector) Process(ctx context.Context, task *broker.Task) (Result, error) {
	const op = "processing.inspect"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(task.Payload) == 0 {
		return nil, fault.Permanent(fault.New(fault.Validation, op, "empty image payload"))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(task.Payload))
	if err != nil {
		return nil, fault.Permanent(fault.E(fault.Processing, op, fmt.Errorf("decode image header: %w", err)))
	}
	if i.MaxPixels > 0 && cfg.Width*cfg.Height > i.MaxPixels {
		return nil, fault.Permanent(fault.New(fault.Processing, op,
			fmt.Sprintf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, i.MaxPixels)))
	}
	sum := sha256.Sum256(task.Payload)
	out, err := json.Marshal(ImageInfo{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Bytes:  len(task.Payload),
		SHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// EstimateMemory is the decoded frame size plus the encoded input. Payloads
// without a readable header are estimated from their length.
func (i ImageInspector) EstimateMemory(_ string, payload []byte) uint64 {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return uint64(len(payload))
	}
	return uint64(cfg.Width)*uint64(cfg.Height)*bytesPerPixel + uint64(len(payload))
}
