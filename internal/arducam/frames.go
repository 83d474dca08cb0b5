package arducam

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// SyntheticFrames renders n JPEG test frames of w×h pixels: a gradient with
// a bar that moves one step per frame. They feed Sim in dev mode.
func SyntheticFrames(n, w, h int) ([][]byte, error) {
	if n <= 0 || w <= 0 || h <= 0 {
		return nil, fmt.Errorf("arducam: bad synthetic frame shape %dx%d x%d", w, h, n)
	}
	frames := make([][]byte, 0, n)
	barW := max(w/16, 1)
	for i := range n {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		x0 := (i * (w - barW)) / max(n-1, 1)
		for y := range h {
			for x := range w {
				c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
				if x >= x0 && x < x0+barW {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				}
				img.SetRGBA(x, y, c)
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
			return nil, fmt.Errorf("arducam: encode synthetic frame %d: %w", i, err)
		}
		frames = append(frames, buf.Bytes())
	}
	return frames, nil
}
