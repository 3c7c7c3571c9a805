package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const (
	DefaultThumbnailMaxSize = 300

	ThumbnailJpegQuality   = 90
	ThumbnailFileExtension = ".jpg"

	maxArchivedResultBytes = 50 * 1024 * 1024
)

// StoredUpload describes a normalized upload persisted by the Processor.
type StoredUpload struct {
	ID            string `json:"upload_id"`
	Path          string `json:"path"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
}

// Processor persists normalized uploads with their thumbnails and archives
// finished transform outputs. Uploads and results may live in different
// stores.
type Processor struct {
	uploads      Store
	results      Store
	thumbMaxSize int
	httpClient   *http.Client
	log          *zap.Logger
}

func NewProcessor(uploads, results Store, thumbMaxSize int, httpClient *http.Client, log *zap.Logger) *Processor {
	if results == nil {
		results = uploads
	}
	if thumbMaxSize <= 0 {
		thumbMaxSize = DefaultThumbnailMaxSize
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Processor{
		uploads:      uploads,
		results:      results,
		thumbMaxSize: thumbMaxSize,
		httpClient:   httpClient,
		log:          logger.OrNop(log),
	}
}

// SaveUpload stores the data URL of a normalized image under a fresh id and
// generates its thumbnail. Images that cannot be rasterized (e.g. an
// unconverted HEIC fallback) are stored without a thumbnail.
func (p *Processor) SaveUpload(ctx context.Context, img *NormalizedImage) (*StoredUpload, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	mimeType, data, err := DecodeDataURL(img.DataURL)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID for upload: %w", err)
	}
	filename := id.String() + extensionForMime(mimeType)

	savedRelPath, err := p.uploads.Save(ctx, AssetTypeUpload, filename, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to save upload via store: %w", err)
	}

	stored := &StoredUpload{
		ID:     filename,
		Path:   savedRelPath,
		Width:  img.Width,
		Height: img.Height,
	}

	decoded, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		p.log.Warn("processor: upload is not decodable, skipping thumbnail", zap.String("upload", filename), zap.Error(err))
		return stored, nil
	}
	thumbPath, err := p.GenerateThumbnail(ctx, decoded, thumbnailName(filename))
	if err != nil {
		p.log.Warn("processor: failed to generate thumbnail", zap.String("upload", filename), zap.Error(err))
		return stored, nil
	}
	stored.ThumbnailPath = thumbPath

	p.log.Info("processor: saved upload", zap.String("upload", filename), zap.String("path", savedRelPath))
	return stored, nil
}

// LoadUpload reads a stored upload back as a data URL.
func (p *Processor) LoadUpload(ctx context.Context, uploadID string) (string, error) {
	rc, err := p.uploads.Open(ctx, AssetTypeUpload, uploadID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read upload '%s': %w", uploadID, err)
	}
	mimeType := mimeByExtension(uploadID)
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return EncodeDataURL(mimeType, data), nil
}

// DeleteUpload removes an upload and its thumbnail.
func (p *Processor) DeleteUpload(ctx context.Context, uploadID string) error {
	if err := p.uploads.Delete(ctx, AssetTypeUpload, uploadID); err != nil {
		return err
	}
	if err := p.uploads.Delete(ctx, AssetTypeThumbnail, thumbnailName(uploadID)); err != nil {
		p.log.Warn("processor: failed to delete thumbnail", zap.String("upload", uploadID), zap.Error(err))
	}
	return nil
}

// GenerateThumbnail creates a thumbnail where the longest side matches the
// configured maximum and saves it under filename.
func (p *Processor) GenerateThumbnail(ctx context.Context, originalImg image.Image, filename string) (string, error) {
	origBounds := originalImg.Bounds()
	origWidth := origBounds.Dx()
	origHeight := origBounds.Dy()
	if origWidth <= 0 || origHeight <= 0 {
		return "", fmt.Errorf("invalid original image dimensions: %dx%d", origWidth, origHeight)
	}

	maxSize := p.thumbMaxSize
	var newWidth, newHeight int
	if origWidth > origHeight {
		if origWidth <= maxSize {
			newWidth, newHeight = origWidth, origHeight
		} else {
			newWidth = maxSize
			newHeight = int(math.Round(float64(origHeight) * (float64(maxSize) / float64(origWidth))))
		}
	} else {
		if origHeight <= maxSize {
			newWidth, newHeight = origWidth, origHeight
		} else {
			newHeight = maxSize
			newWidth = int(math.Round(float64(origWidth) * (float64(maxSize) / float64(origHeight))))
		}
	}
	newWidth = max(1, newWidth)
	newHeight = max(1, newHeight)

	thumb := imaging.Resize(originalImg, newWidth, newHeight, imaging.Lanczos)

	reader, writer := io.Pipe()
	go func() {
		defer writer.Close()
		err := imaging.Encode(writer, thumb, imaging.JPEG, imaging.JPEGQuality(ThumbnailJpegQuality))
		if err != nil {
			p.log.Error("processor: failed to encode thumbnail", zap.Error(err))
			writer.CloseWithError(fmt.Errorf("thumbnail encoding failed: %w", err))
		}
	}()

	savedRelPath, err := p.uploads.Save(ctx, AssetTypeThumbnail, filename, reader)
	// unblock the encoder if Save gave up early
	reader.Close()
	if err != nil {
		return "", fmt.Errorf("failed to save thumbnail via store: %w", err)
	}

	p.log.Debug("processor: generated thumbnail", zap.String("path", savedRelPath),
		zap.Int("width", newWidth), zap.Int("height", newHeight))
	return savedRelPath, nil
}

// ArchiveResult stores a finished job's output. The output is either a data
// URL or an http(s) URL that is fetched first.
func (p *Processor) ArchiveResult(ctx context.Context, jobID, output string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("invalid job id '%s'", jobID)
	}

	var (
		mimeType string
		data     []byte
		err      error
	)
	switch {
	case strings.HasPrefix(output, "data:"):
		mimeType, data, err = DecodeDataURL(output)
	case strings.HasPrefix(output, "http://"), strings.HasPrefix(output, "https://"):
		mimeType, data, err = p.fetch(ctx, output)
	default:
		err = fmt.Errorf("unsupported output reference for job %s", jobID)
	}
	if err != nil {
		return "", err
	}

	filename := jobID + extensionForMime(mimeType)
	savedRelPath, err := p.results.Save(ctx, AssetTypeResult, filename, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to archive result via store: %w", err)
	}
	p.log.Info("processor: archived job result", zap.String("job_id", jobID), zap.String("path", savedRelPath))
	return savedRelPath, nil
}

func (p *Processor) fetch(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create result request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("failed to fetch result: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchivedResultBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read result body: %w", err)
	}
	if len(data) > maxArchivedResultBytes {
		return "", nil, fmt.Errorf("result exceeds %d bytes", maxArchivedResultBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	} else {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, data, nil
}

func thumbnailName(uploadID string) string {
	return strings.TrimSuffix(uploadID, filepath.Ext(uploadID)) + ThumbnailFileExtension
}

func extensionForMime(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case MimeJPEG, "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case MimeHEIC, "image/heif":
		return ".heic"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
