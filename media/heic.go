package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const heicUnsupportedNotice = "HEIC images are not supported here. Please convert to JPG/PNG first."

// ConversionCapability converts HEIC bytes into JPEG bytes.
type ConversionCapability interface {
	ConvertToJPEG(ctx context.Context, data []byte, quality int) ([]byte, error)
}

// CapabilityLoader produces the conversion capability. HEICSupport evaluates
// it at most once.
type CapabilityLoader func() (ConversionCapability, error)

// Notifier surfaces user-facing notices.
type Notifier interface {
	Notify(message string)
}

type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// HEICSupport is the process-wide HEIC capability cell. Once disabled it stays
// disabled; tests get a fresh cell by constructing a new one.
type HEICSupport struct {
	mu           sync.Mutex
	loader       CapabilityLoader
	loaded       bool
	capability   ConversionCapability
	disabled     bool
	loadAttempts int
	noticeSent   bool
}

func NewHEICSupport(loader CapabilityLoader) *HEICSupport {
	return &HEICSupport{loader: loader}
}

// TryLoad returns the memoized capability, evaluating the loader on first use.
// A failed load disables the capability permanently.
func (h *HEICSupport) TryLoad() (ConversionCapability, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disabled {
		return nil, fmt.Errorf("%w: disabled after previous failure", ErrConversionUnavailable)
	}
	if h.loaded {
		return h.capability, nil
	}

	h.loaded = true
	h.loadAttempts++
	if h.loader == nil {
		h.disabled = true
		return nil, fmt.Errorf("%w: no conversion module configured", ErrConversionUnavailable)
	}
	capability, err := h.loader()
	if err != nil {
		h.disabled = true
		return nil, fmt.Errorf("%w: failed to load conversion module: %v", ErrConversionUnavailable, err)
	}
	if capability == nil {
		h.disabled = true
		return nil, fmt.Errorf("%w: conversion module does not have the expected structure", ErrConversionUnavailable)
	}
	h.capability = capability
	return capability, nil
}

func (h *HEICSupport) IsDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disabled
}

func (h *HEICSupport) DisablePermanently() {
	h.mu.Lock()
	h.disabled = true
	h.capability = nil
	h.mu.Unlock()
}

// LoadAttempts reports how many times the loader has been evaluated.
func (h *HEICSupport) LoadAttempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadAttempts
}

// claimNotice returns true exactly once per cell.
func (h *HEICSupport) claimNotice() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noticeSent {
		return false
	}
	h.noticeSent = true
	return true
}

// IsHEIC detects HEIC input by MIME type or by a .heic filename suffix.
func IsHEIC(file RawFile) bool {
	mime := strings.ToLower(file.MimeType)
	if strings.Contains(mime, "heic") || strings.Contains(mime, "heif") {
		return true
	}
	return file.Ext() == ".heic"
}

// FormatNormalizer converts HEIC files to JPEG.
type FormatNormalizer struct {
	support  *HEICSupport
	quality  int
	notifier Notifier
	log      *zap.Logger
}

func NewFormatNormalizer(support *HEICSupport, quality int, notifier Notifier, log *zap.Logger) *FormatNormalizer {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &FormatNormalizer{
		support:  support,
		quality:  quality,
		notifier: notifier,
		log:      logger.OrNop(log),
	}
}

// Convert returns non-HEIC files unchanged. HEIC files are converted to JPEG;
// when conversion is unavailable the original file is returned together with
// an error wrapping ErrConversionUnavailable.
func (n *FormatNormalizer) Convert(ctx context.Context, file RawFile) (RawFile, error) {
	if !IsHEIC(file) {
		return file, nil
	}

	if n.support.IsDisabled() {
		n.log.Warn("heic: conversion is disabled due to previous errors, returning original file", zap.String("file", file.Name))
		n.notify()
		return file, fmt.Errorf("%w: %s", ErrConversionUnavailable, file.Name)
	}

	n.log.Info("heic: converting file", zap.String("file", file.Name))
	capability, err := n.support.TryLoad()
	if err != nil {
		n.log.Error("heic: conversion module unavailable", zap.String("file", file.Name), zap.Error(err))
		n.notify()
		return file, err
	}

	jpegData, err := capability.ConvertToJPEG(ctx, file.Data, n.quality)
	if err != nil {
		n.log.Error("heic: error in conversion process", zap.String("file", file.Name), zap.Error(err))
		n.support.DisablePermanently()
		n.notify()
		return file, fmt.Errorf("%w: converting %s: %v", ErrConversionUnavailable, file.Name, err)
	}

	n.log.Info("heic: conversion successful", zap.String("file", file.Name), zap.Int("size", len(jpegData)))
	return RawFile{
		Name:     jpegName(file.Name),
		MimeType: MimeJPEG,
		Data:     jpegData,
	}, nil
}

func (n *FormatNormalizer) notify() {
	if n.notifier == nil || !n.support.claimNotice() {
		return
	}
	n.notifier.Notify(heicUnsupportedNotice)
}

func jpegName(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".heic", ".heif"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)] + ".jpg"
		}
	}
	if name == "" {
		return "image.jpg"
	}
	return name + ".jpg"
}
