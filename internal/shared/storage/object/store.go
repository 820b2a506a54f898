package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"deckcheck/internal/shared/util"
)

// ErrInvalidKey is returned for storage keys that escape the store root.
var ErrInvalidKey = errors.New("invalid storage key")

// ObjectStore defines the contract for saving and retrieving uploaded deck sources.
type ObjectStore interface {
	Save(ctx context.Context, namespace string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// NewKey builds the storage key for an upload: the hashed namespace, then a
// fresh UUID joined to the sanitized file name. Keys always use "/".
func NewKey(namespace, fileName string) (key, safeName string, err error) {
	safeName, err = util.SanitizeFileName(fileName)
	if err != nil {
		return "", "", fmt.Errorf("sanitize file name: %w", err)
	}
	return path.Join(util.NamespaceKey(namespace), uuid.NewString()+"_"+safeName), safeName, nil
}

// CleanKey validates a caller-supplied key and returns it in canonical form.
func CleanKey(key string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

// ContentType returns the MIME type stored alongside a deck source.
func ContentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".qmd", ".qmdx":
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
