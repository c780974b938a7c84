package extractor

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

// DefaultMaxImageSize is the longest edge, in pixels, sent to the embedding server.
const DefaultMaxImageSize = 1280

const jpegQuality = 90

// ErrInvalidImage is returned when a frame cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

// PrepareImage decodes a frame, downsizes it to fit within maxSize while
// keeping the aspect ratio, and re-encodes it as JPEG. maxSize <= 0 disables
// the downsizing.
func PrepareImage(data []byte, maxSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: zero sized image", ErrInvalidImage)
	}

	if maxSize > 0 && (width > maxSize || height > maxSize) {
		newWidth, newHeight := fitWithin(width, height, maxSize)
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales width x height so the longer edge equals maxSize.
func fitWithin(width, height, maxSize int) (int, int) {
	if width > height {
		h := int(float64(height) * float64(maxSize) / float64(width))
		return maxSize, max(h, 1)
	}
	w := int(float64(width) * float64(maxSize) / float64(height))
	return max(w, 1), maxSize
}
