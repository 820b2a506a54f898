package deck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// AllowedExtensions lists the source formats accepted for upload.
var AllowedExtensions = []string{".qmd", ".qmdx"}

// AllowedExtension reports whether fileName has an accepted extension.
func AllowedExtension(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(fileName)))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Source is the uploaded presentation source.
type Source struct {
	Name string
	// Key is the object-store key of an uploaded source; empty for local files.
	Key  string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// FileSource returns a Source reading from a local file.
func FileSource(path string) *Source {
	return &Source{
		Name: filepath.Base(path),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			f, err := os.Open(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("source %s: %w", path, ErrNotFound)
				}
				return nil, err
			}
			return f, nil
		},
	}
}

// Request holds the user-supplied parameters for one run.
type Request struct {
	Audience      string `json:"audience" validate:"max=4000"`
	LengthMinutes int    `json:"length" validate:"gt=0,lte=600"`
	TalkType      string `json:"type" validate:"max=200"`
	Event         string `json:"event" validate:"max=200"`

	Source *Source `json:"-"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the request fields. The source itself is checked by the
// orchestrator, which treats a missing source as a no-op.
func (r Request) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Source != nil && !AllowedExtension(r.Source.Name) {
		return fmt.Errorf("%w: unsupported file type %q", ErrInvalidRequest, filepath.Ext(r.Source.Name))
	}
	return nil
}
