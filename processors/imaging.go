package processors

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// toGray 转灰度并缩放到 w x h, 已是目标尺寸的灰度图直接返回
func toGray(img image.Image, w, h int) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Dx() == w && g.Rect.Dy() == h {
		return g
	}
	src := img
	if _, ok := img.(*image.Gray); !ok {
		gray := image.NewGray(img.Bounds())
		draw.Draw(gray, gray.Rect, img, img.Bounds().Min, draw.Src)
		src = gray
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

// meanAbsDiff returns the mean absolute pixel difference of two equally sized gray images.
func meanAbsDiff(a, b *image.Gray) float64 {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w == 0 || h == 0 || w != b.Rect.Dx() || h != b.Rect.Dy() {
		return math.Inf(1)
	}
	var sum int64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			d := int64(ra[x]) - int64(rb[x])
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return float64(sum) / float64(w*h)
}

// cropPNG 按像素坐标裁剪区域并编码为PNG
func cropPNG(img image.Image, x1, y1, x2, y2 float64) ([]byte, error) {
	r := image.Rect(
		int(math.Floor(x1)), int(math.Floor(y1)),
		int(math.Ceil(x2)), int(math.Ceil(y2)),
	).Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("crop region (%.0f,%.0f,%.0f,%.0f) outside image %v", x1, y1, x2, y2, img.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Rect, img, r.Min, draw.Src)
	return encodePNG(dst)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func pngDataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
