package extract

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// maxFramePixels rejects frames whose header claims an absurd size before decoding.
const maxFramePixels = 50_000_000

var errFrameTooLarge = errors.New("frame too large")

// preparedFrame is a frame ready for upload to the embedding server.
type preparedFrame struct {
	data   []byte
	format string // jpeg, png, gif, webp or bmp
}

func (f preparedFrame) mimeType() string { return "image/" + f.format }

// prepareFrame downscales frames whose longest edge exceeds maxEdge and
// re-encodes them as JPEG. Smaller frames and maxEdge <= 0 keep the original bytes.
func prepareFrame(data []byte, maxEdge int) (preparedFrame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return preparedFrame{}, fmt.Errorf("unrecognized frame: %w", err)
	}
	if cfg.Width*cfg.Height > maxFramePixels {
		return preparedFrame{}, fmt.Errorf("%w: %dx%d", errFrameTooLarge, cfg.Width, cfg.Height)
	}
	if maxEdge <= 0 || max(cfg.Width, cfg.Height) <= maxEdge {
		return preparedFrame{data: data, format: format}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return preparedFrame{}, fmt.Errorf("decoding frame: %w", err)
	}
	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return preparedFrame{}, fmt.Errorf("encoding frame: %w", err)
	}
	return preparedFrame{data: buf.Bytes(), format: "jpeg"}, nil
}

// fitWithin scales w x h so the longest edge equals edge.
func fitWithin(w, h, edge int) (int, int) {
	if w >= h {
		return edge, max(1, h*edge/w)
	}
	return max(1, w*edge/h), edge
}
