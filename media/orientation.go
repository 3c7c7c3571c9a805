package media

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const DefaultJPEGQuality = 90

// OrientationCorrector turns EXIF-rotated rasters into upright JPEG data URLs.
type OrientationCorrector struct {
	quality          int
	maxSurfacePixels int
	log              *zap.Logger
}

// NewOrientationCorrector creates a corrector encoding at the given JPEG
// quality. maxSurfacePixels bounds the drawing surface; zero means unbounded.
func NewOrientationCorrector(quality, maxSurfacePixels int, log *zap.Logger) *OrientationCorrector {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &OrientationCorrector{
		quality:          quality,
		maxSurfacePixels: maxSurfacePixels,
		log:              logger.OrNop(log),
	}
}

// ReadOrientation extracts the EXIF orientation from JPEG, TIFF or HEIF bytes.
// Missing, unreadable or out-of-range values yield OrientationNormal.
func ReadOrientation(data []byte) Orientation {
	if isHEIFContainer(data) {
		blob, err := heifExifBlob(data)
		if err != nil {
			return OrientationNormal
		}
		data = blob
	}
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		// raw EXIF blobs carry a prefix before the TIFF header
		start := findTIFFHeader(data)
		if start < 0 {
			return OrientationNormal
		}
		x, err = exif.Decode(bytes.NewReader(data[start:]))
		if err != nil {
			return OrientationNormal
		}
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil || tag == nil {
		return OrientationNormal
	}
	val, err := tag.Int(0)
	if err != nil {
		return OrientationNormal
	}
	return Orientation(val).normalize()
}

func findTIFFHeader(data []byte) int {
	le := bytes.Index(data, []byte("II*\x00"))
	be := bytes.Index(data, []byte("MM\x00*"))
	switch {
	case le < 0:
		return be
	case be < 0:
		return le
	case le < be:
		return le
	default:
		return be
	}
}

// Correct applies tag to src and encodes the result as a JPEG data URL.
// Out-of-range tags are treated as OrientationNormal. When no drawing
// surface can be acquired the untransformed image is returned.
func (c *OrientationCorrector) Correct(src image.Image, tag Orientation) (*NormalizedImage, error) {
	out, _, err := c.correct(src, tag)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CorrectFile decodes file and corrects it. When tag is nil the orientation is
// read from the file's own EXIF data. If the drawing surface is unavailable the
// original bytes are returned as a data URL.
func (c *OrientationCorrector) CorrectFile(file RawFile, tag *Orientation) (*NormalizedImage, error) {
	src, err := imaging.Decode(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailure, file.Name, err)
	}

	orientation := OrientationNormal
	if tag != nil {
		orientation = *tag
		c.log.Debug("orientation: using pre-extracted orientation", zap.Int("orientation", int(orientation)))
	} else {
		orientation = ReadOrientation(file.Data)
		c.log.Debug("orientation: extracted orientation during fix", zap.Int("orientation", int(orientation)))
	}

	out, surfaceOK, err := c.correct(src, orientation)
	if err != nil {
		return nil, err
	}
	if !surfaceOK {
		b := src.Bounds()
		return &NormalizedImage{
			Width:       b.Dx(),
			Height:      b.Dy(),
			DataURL:     EncodeDataURL(file.MimeType, file.Data),
			Orientation: OrientationNormal,
		}, nil
	}
	return out, nil
}

func (c *OrientationCorrector) correct(src image.Image, tag Orientation) (*NormalizedImage, bool, error) {
	if src == nil {
		return nil, false, fmt.Errorf("%w: nil image", ErrDecodeFailure)
	}
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, false, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecodeFailure, width, height)
	}

	tag = tag.normalize()
	surfaceW, surfaceH := width, height
	if tag.SwapsDimensions() {
		surfaceW, surfaceH = height, width
	}

	if !c.acquireSurface(surfaceW, surfaceH) {
		c.log.Warn("orientation: failed to acquire drawing surface, returning original image",
			zap.Int("width", surfaceW), zap.Int("height", surfaceH))
		out, err := c.encode(src, OrientationNormal)
		return out, false, err
	}

	out, err := c.encode(applyOrientation(src, tag), tag)
	return out, true, err
}

func (c *OrientationCorrector) acquireSurface(width, height int) bool {
	if c.maxSurfacePixels <= 0 {
		return true
	}
	return int64(width)*int64(height) <= int64(c.maxSurfacePixels)
}

func (c *OrientationCorrector) encode(img image.Image, tag Orientation) (*NormalizedImage, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode corrected image: %w", err)
	}
	b := img.Bounds()
	return &NormalizedImage{
		Width:       b.Dx(),
		Height:      b.Dy(),
		DataURL:     EncodeDataURL(MimeJPEG, buf.Bytes()),
		Orientation: tag,
	}, nil
}

// applyOrientation maps each EXIF tag onto the equivalent imaging transform.
// imaging rotates counter-clockwise.
func applyOrientation(src image.Image, tag Orientation) image.Image {
	switch tag {
	case OrientationFlipH:
		return imaging.FlipH(src)
	case OrientationRotate180:
		return imaging.Rotate180(src)
	case OrientationFlipV:
		return imaging.FlipV(src)
	case OrientationTranspose:
		return imaging.Transpose(src)
	case OrientationRotate90CW:
		return imaging.Rotate270(src)
	case OrientationTransverse:
		return imaging.Transverse(src)
	case OrientationRotate90CCW:
		return imaging.Rotate90(src)
	default:
		return src
	}
}
