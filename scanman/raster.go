package scanman

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"scanlink/sane"
)

// Frame is one acquired frame: its parameters and the bytes read for it.
type Frame struct {
	Params sane.Parameters
	Data   []byte
}

// lines returns the number of complete lines in the frame, resolving an
// unknown line count from the data received.
func (f Frame) lines() int {
	if f.Params.BytesPerLine <= 0 {
		return 0
	}
	have := len(f.Data) / f.Params.BytesPerLine
	if f.Params.Lines < 0 || f.Params.Lines > have {
		return have
	}
	return f.Params.Lines
}

// Assemble converts acquired frames into an RGBA image. It accepts a single
// Gray or RGB frame, or separated red, green and blue frames in any order.
func Assemble(frames []Frame) (*image.RGBA, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames: %w", sane.StatusInval)
	}
	for _, f := range frames {
		p := f.Params
		if p.Depth != 1 && p.Depth != 8 {
			return nil, fmt.Errorf("depth %d: %w", p.Depth, sane.StatusUnsupported)
		}
		if p.PixelsPerLine < 0 || p.BytesPerLine < minBytesPerLine(p) {
			return nil, fmt.Errorf("%d bytes per line for %d pixels: %w", p.BytesPerLine, p.PixelsPerLine, sane.StatusInval)
		}
	}

	first := frames[0].Params
	if !first.Format.Separated() {
		if len(frames) != 1 {
			return nil, fmt.Errorf("%d frames of format %s: %w", len(frames), first.Format, sane.StatusInval)
		}
		return convertFrame(frames[0])
	}
	return mergeSeparated(frames)
}

// minBytesPerLine is the smallest line that holds PixelsPerLine pixels.
func minBytesPerLine(p sane.Parameters) int {
	if p.Depth == 1 {
		return (p.PixelsPerLine + 7) / 8 * p.Channels()
	}
	return p.PixelsPerLine * p.Channels() * p.Depth / 8
}

func convertFrame(f Frame) (*image.RGBA, error) {
	p := f.Params
	w, h := p.PixelsPerLine, f.lines()
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	switch p.Format {
	case sane.FrameGray:
		for y := 0; y < h; y++ {
			line := f.Data[y*p.BytesPerLine : (y+1)*p.BytesPerLine]
			for x := 0; x < w; x++ {
				g := graySample(line, x, p.Depth)
				img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 0xff})
			}
		}
	case sane.FrameRGB:
		for y := 0; y < h; y++ {
			line := f.Data[y*p.BytesPerLine : (y+1)*p.BytesPerLine]
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: rgbSample(line, x, 0, p.Depth),
					G: rgbSample(line, x, 1, p.Depth),
					B: rgbSample(line, x, 2, p.Depth),
					A: 0xff,
				})
			}
		}
	default:
		return nil, fmt.Errorf("format %s: %w", p.Format, sane.StatusUnsupported)
	}
	return img, nil
}

func mergeSeparated(frames []Frame) (*image.RGBA, error) {
	var planes [3]*Frame
	for i := range frames {
		f := &frames[i]
		if !f.Params.Format.Separated() {
			return nil, fmt.Errorf("format %s mixed with separated frames: %w", f.Params.Format, sane.StatusInval)
		}
		planes[f.Params.Format-sane.FrameRed] = f
	}
	for c, f := range planes {
		if f == nil {
			return nil, fmt.Errorf("missing %s frame: %w", sane.FrameRed+sane.Frame(c), sane.StatusInval)
		}
	}

	w := planes[0].Params.PixelsPerLine
	h := planes[0].lines()
	for _, f := range planes[1:] {
		if f.Params.PixelsPerLine != w {
			return nil, fmt.Errorf("frames differ in width: %w", sane.StatusInval)
		}
		h = min(h, f.lines())
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		var lines [3][]byte
		for c, f := range planes {
			bpl := f.Params.BytesPerLine
			lines[c] = f.Data[y*bpl : (y+1)*bpl]
		}
		for x := 0; x < w; x++ {
			var px [3]byte
			for c, f := range planes {
				px[c] = planeSample(lines[c], x, f.Params.Depth)
			}
			img.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 0xff})
		}
	}
	return img, nil
}

func bit(b byte, x int) bool {
	return b&(0x80>>(x%8)) != 0
}

// graySample reads pixel x of a gray line. In lineart a set bit is black.
func graySample(line []byte, x, depth int) byte {
	if depth == 1 {
		if bit(line[x/8], x) {
			return 0x00
		}
		return 0xff
	}
	return line[x]
}

// rgbSample reads channel c of pixel x of an interleaved RGB line. At depth
// 1 each group of eight pixels is stored as a red, a green and a blue byte.
func rgbSample(line []byte, x, c, depth int) byte {
	if depth == 1 {
		if bit(line[x/8*3+c], x) {
			return 0xff
		}
		return 0x00
	}
	return line[x*3+c]
}

// planeSample reads pixel x of a separated colour plane; a set bit is full
// intensity.
func planeSample(line []byte, x, depth int) byte {
	if depth == 1 {
		if bit(line[x/8], x) {
			return 0xff
		}
		return 0x00
	}
	return line[x]
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// PNGBytes encodes img as PNG in memory.
func PNGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
