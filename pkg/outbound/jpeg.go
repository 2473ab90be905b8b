package outbound

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// toJPEG flattens the image at path onto an opaque white background and
// writes it to path + ".jpg".
func toJPEG(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", path, err)
	}

	bounds := src.Bounds()
	bg := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(bg, bg.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(bg, bg.Bounds(), src, bounds.Min, draw.Over)

	out := path + ".jpg"
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create jpeg: %w", err)
	}
	if err := jpeg.Encode(f, bg, &jpeg.Options{Quality: 95}); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("write jpeg: %w", err)
	}
	return out, nil
}
