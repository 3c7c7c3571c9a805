package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

// ErrAssetNotFound is returned by Store.Open for unknown assets.
var ErrAssetNotFound = errors.New("asset not found")

// Store defines the interface for saving, retrieving, and deleting media assets
type Store interface {
	// Save stores data under filename within the asset type's area and returns
	// the final relative path or key
	Save(ctx context.Context, assetType AssetType, filename string, data io.Reader) (string, error)
	// Open retrieves a reader for an asset
	Open(ctx context.Context, assetType AssetType, filename string) (io.ReadCloser, error)
	// Delete removes an asset, missing assets are not an error
	Delete(ctx context.Context, assetType AssetType, filename string) error
}

// LocalStorage implements the Store interface using the local filesystem
type LocalStorage struct {
	basePath        string               // absolute path to the MEDIA_STORAGE_PATH
	resolvedPathMap map[AssetType]string // maps AssetType to full absolute path
	log             *zap.Logger
}

// NewLocalStorage creates a new local filesystem store
func NewLocalStorage(basePath string, subDirs map[AssetType]string, log *zap.Logger) (*LocalStorage, error) {
	log = logger.OrNop(log)
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base storage path '%s': %w", basePath, err)
	}

	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory '%s': %w", absBasePath, err)
	}

	resolvedPaths := make(map[AssetType]string)
	for assetType, subDir := range subDirs {
		fullPath := filepath.Join(absBasePath, subDir)
		if !strings.HasPrefix(filepath.Clean(fullPath), absBasePath) {
			return nil, fmt.Errorf("invalid subdirectory configuration: '%s' resolves outside base path '%s'", subDir, absBasePath)
		}
		resolvedPaths[assetType] = fullPath
	}

	log.Info("media.store: initialized local storage", zap.String("path", absBasePath))
	return &LocalStorage{
		basePath:        absBasePath,
		resolvedPathMap: resolvedPaths,
		log:             log,
	}, nil
}

// BasePath returns the absolute storage root.
func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// Dir resolves the absolute directory for a given asset type. Unconfigured
// types are rejected.
func (ls *LocalStorage) Dir(assetType AssetType) (string, error) {
	dirPath, ok := ls.resolvedPathMap[assetType]
	if !ok {
		return "", fmt.Errorf("asset type '%s' is not configured", assetType)
	}
	return dirPath, nil
}

// EnsureDir creates the directory for the asset type if it doesn't exist
func (ls *LocalStorage) EnsureDir(assetType AssetType) (string, error) {
	dirPath, err := ls.Dir(assetType)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to ensure directory '%s': %w", dirPath, err)
	}
	return dirPath, nil
}

func (ls *LocalStorage) assetPath(assetType AssetType, filename string) (string, error) {
	dir, err := ls.Dir(assetType)
	if err != nil {
		return "", err
	}
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid asset filename '%s'", filename)
	}
	return filepath.Join(dir, filename), nil
}

func (ls *LocalStorage) Save(ctx context.Context, assetType AssetType, filename string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := ls.EnsureDir(assetType); err != nil {
		return "", err
	}
	fullSavePath, err := ls.assetPath(assetType, filename)
	if err != nil {
		return "", err
	}

	outFile, err := os.Create(fullSavePath)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file '%s': %w", fullSavePath, err)
	}
	defer outFile.Close()

	if _, err = io.Copy(outFile, data); err != nil {
		outFile.Close()
		os.Remove(fullSavePath)
		return "", fmt.Errorf("failed to write data to '%s': %w", fullSavePath, err)
	}

	relativePath, err := filepath.Rel(ls.basePath, fullSavePath)
	if err != nil {
		ls.log.Error("media.store: error calculating relative path", zap.String("path", fullSavePath), zap.Error(err))
		return "", fmt.Errorf("internal error calculating relative path: %w", err)
	}

	ls.log.Info("media.store: saved asset", zap.String("path", fullSavePath))
	return filepath.ToSlash(relativePath), nil
}

func (ls *LocalStorage) Open(ctx context.Context, assetType AssetType, filename string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := ls.assetPath(assetType, filename)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrAssetNotFound, assetType, filename)
		}
		return nil, fmt.Errorf("failed to open asset '%s': %w", fullPath, err)
	}
	return file, nil
}

// Delete removes an asset file
func (ls *LocalStorage) Delete(ctx context.Context, assetType AssetType, filename string) error {
	fullPath, err := ls.assetPath(assetType, filename)
	if err != nil {
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete asset '%s': %w", fullPath, err)
	}
	if err == nil {
		ls.log.Info("media.store: deleted asset", zap.String("path", fullPath))
	}
	return nil
}
