package media

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

var (
	markerColor = color.NRGBA{R: 255, A: 255}
	fillColor   = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// markedImage returns a w x h white image with a red block in the top-left
// corner, so transforms can be verified by locating the block.
func markedImage(w, h int) *image.NRGBA {
	img := imaging.New(w, h, fillColor)
	block := min(w, h) / 2
	for y := 0; y < block; y++ {
		for x := 0; x < block; x++ {
			img.SetNRGBA(x, y, markerColor)
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)))
	return buf.Bytes()
}

// exifTIFF builds a minimal little-endian TIFF block carrying only the
// orientation tag.
func exifTIFF(orientation uint16) []byte {
	var b bytes.Buffer
	b.WriteString("II*\x00")
	binary.Write(&b, binary.LittleEndian, uint32(8))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(0x0112))
	binary.Write(&b, binary.LittleEndian, uint16(3))
	binary.Write(&b, binary.LittleEndian, uint32(1))
	binary.Write(&b, binary.LittleEndian, orientation)
	binary.Write(&b, binary.LittleEndian, uint16(0))
	binary.Write(&b, binary.LittleEndian, uint32(0))
	return b.Bytes()
}

// withOrientation inserts an APP1 EXIF segment right after the SOI marker.
func withOrientation(jpegData []byte, orientation uint16) []byte {
	payload := append([]byte("Exif\x00\x00"), exifTIFF(orientation)...)
	var seg bytes.Buffer
	seg.Write([]byte{0xFF, 0xE1})
	binary.Write(&seg, binary.BigEndian, uint16(len(payload)+2))
	seg.Write(payload)

	out := make([]byte, 0, len(jpegData)+seg.Len())
	out = append(out, jpegData[:2]...)
	out = append(out, seg.Bytes()...)
	out = append(out, jpegData[2:]...)
	return out
}

func orientedJPEG(t *testing.T, w, h int, orientation uint16) []byte {
	t.Helper()
	return withOrientation(encodeJPEG(t, markedImage(w, h)), orientation)
}

func decodeDataURLImage(t *testing.T, dataURL string) image.Image {
	t.Helper()
	_, data, err := DecodeDataURL(dataURL)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func isMarker(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r > 0xC000 && g < 0x4000 && b < 0x4000
}

// markerCorner reports which corner of img holds the red block.
func markerCorner(img image.Image) string {
	b := img.Bounds()
	inset := min(b.Dx(), b.Dy()) / 8
	corners := map[string]image.Point{
		"top-left":     {b.Min.X + inset, b.Min.Y + inset},
		"top-right":    {b.Max.X - 1 - inset, b.Min.Y + inset},
		"bottom-left":  {b.Min.X + inset, b.Max.Y - 1 - inset},
		"bottom-right": {b.Max.X - 1 - inset, b.Max.Y - 1 - inset},
	}
	for name, p := range corners {
		if isMarker(img.At(p.X, p.Y)) {
			return name
		}
	}
	return "none"
}
