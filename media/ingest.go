package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const DefaultMaxUploadBytes int64 = 10 * 1024 * 1024

// IngestPipeline turns a user-supplied file into a displayable data URL. After
// validation it always resolves to some representation of the image.
type IngestPipeline struct {
	corrector       *OrientationCorrector
	normalizer      *FormatNormalizer
	maxBytes        int64
	readOrientation func([]byte) Orientation
	log             *zap.Logger
}

func NewIngestPipeline(corrector *OrientationCorrector, normalizer *FormatNormalizer, maxBytes int64, log *zap.Logger) *IngestPipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &IngestPipeline{
		corrector:       corrector,
		normalizer:      normalizer,
		maxBytes:        maxBytes,
		readOrientation: ReadOrientation,
		log:             logger.OrNop(log),
	}
}

type processOptions struct {
	preview func(dataURL string)
}

type ProcessOption func(*processOptions)

// WithPreview registers a callback receiving the raw, uncorrected data URL.
// It is invoked before Process returns the corrected result.
func WithPreview(fn func(dataURL string)) ProcessOption {
	return func(o *processOptions) {
		o.preview = fn
	}
}

// Validate rejects files that are not images or exceed the size limit. Files
// with a missing or generic MIME type are accepted by extension.
func (p *IngestPipeline) Validate(file RawFile) error {
	mime := strings.ToLower(strings.TrimSpace(file.MimeType))
	isImage := strings.HasPrefix(mime, "image/")
	if !isImage && genericMime(mime) && (IsHEIC(file) || IsRasterImage(file.Name)) {
		isImage = true
	}
	if !isImage {
		return fmt.Errorf("%w: please select an image file (got %q)", ErrInvalidInput, file.MimeType)
	}
	if file.Size() > p.maxBytes {
		return fmt.Errorf("%w: image size must be less than %dMB", ErrInvalidInput, p.maxBytes/(1024*1024))
	}
	return nil
}

// Process validates, normalizes and orientation-corrects file, returning the
// resulting data URL.
func (p *IngestPipeline) Process(ctx context.Context, file RawFile, opts ...ProcessOption) (string, error) {
	img, err := p.ProcessImage(ctx, file, opts...)
	if err != nil {
		return "", err
	}
	return img.DataURL, nil
}

// ProcessImage is Process returning dimensions alongside the data URL. The only
// errors are ErrInvalidInput and context cancellation.
func (p *IngestPipeline) ProcessImage(ctx context.Context, file RawFile, opts ...ProcessOption) (*NormalizedImage, error) {
	if err := p.Validate(file); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var o processOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.preview != nil {
		o.preview(EncodeDataURL(sniffMime(file), file.Data))
	}

	inHand := file
	var tag *Orientation
	if IsHEIC(file) {
		// orientation metadata may not survive conversion
		extracted := p.readOrientation(file.Data)
		tag = &extracted
		p.log.Info("ingest: extracted orientation before conversion",
			zap.String("file", file.Name), zap.Int("orientation", int(extracted)))

		converted, err := p.normalizer.Convert(ctx, file)
		if err != nil && !errors.Is(err, ErrConversionUnavailable) {
			p.log.Error("ingest: heic handling failed, using original file", zap.Error(err))
		}
		if err != nil || IsHEIC(converted) {
			p.log.Warn("ingest: heic conversion failed, falling back to original file", zap.String("file", file.Name))
			return p.fallback(file), nil
		}
		inHand = converted
	}

	out, err := p.corrector.CorrectFile(inHand, tag)
	if err != nil {
		p.log.Warn("ingest: orientation fixing failed, returning unmodified file",
			zap.String("file", inHand.Name), zap.Error(err))
		return p.fallback(inHand), nil
	}
	return out, nil
}

func (p *IngestPipeline) fallback(file RawFile) *NormalizedImage {
	out := &NormalizedImage{
		DataURL:     EncodeDataURL(sniffMime(file), file.Data),
		Orientation: OrientationNormal,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(file.Data)); err == nil {
		out.Width, out.Height = cfg.Width, cfg.Height
	}
	return out
}

func sniffMime(file RawFile) string {
	if !genericMime(file.MimeType) {
		return file.MimeType
	}
	if IsHEIC(file) {
		return MimeHEIC
	}
	if mimeType, ok := rasterMimeByExtension[file.Ext()]; ok {
		return mimeType
	}
	return http.DetectContentType(file.Data)
}
