package util

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidFileName is returned for upload names that cannot be stored safely.
var ErrInvalidFileName = errors.New("invalid file name")

const maxFileNameLen = 128

// SanitizeFileName flattens an uploaded file name into a single safe path
// segment. Separators and control characters become "_", traversal is
// rejected, and long names are shortened while keeping the extension.
func SanitizeFileName(name string) (string, error) {
	s := strings.TrimSpace(name)
	if s == "" || strings.Contains(s, "..") {
		return "", ErrInvalidFileName
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, s)

	if len(s) > maxFileNameLen {
		ext := filepath.Ext(s)
		if len(ext) >= maxFileNameLen {
			return "", ErrInvalidFileName
		}
		stem := s[:maxFileNameLen-len(ext)]
		for !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
		s = stem + ext
	}
	return s, nil
}
