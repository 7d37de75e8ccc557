package imagecache

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// Normalize rewrites the image at path as a width x height JPEG: the source
// is scaled by min(width/w, height/h) and centered on a black canvas. An
// image already at the target size is left untouched.
func Normalize(path string, width, height int) error {
	src, err := decodeFile(path)
	if err != nil {
		return err
	}
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return nil
	}
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%s has empty bounds", path)
	}

	ratio := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	w := clamp(int(math.Round(float64(b.Dx())*ratio)), 1, width)
	h := clamp(int(math.Round(float64(b.Dy())*ratio)), 1, height)

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	offset := image.Pt((width-w)/2, (height-h)/2)
	target := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(w, h))}
	draw.CatmullRom.Scale(canvas, target, src, b, draw.Over, nil)

	return writeJPEG(path, canvas)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func writeJPEG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".norm_*.jpg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
