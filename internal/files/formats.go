// Package files validates uploaded documents and stores them on local disk.
package files

import (
	"mime"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Formats is an allowlist of accepted upload content types keyed to their
// canonical extension.
type Formats struct {
	byType map[string]string
}

// DefaultFormats accepts the document and image types users send as evidence.
func DefaultFormats() *Formats {
	return NewFormats(map[string]string{
		"application/pdf":    "pdf",
		"image/png":          "png",
		"image/jpeg":         "jpeg",
		"image/jpg":          "jpg",
		"image/gif":          "gif",
		"text/plain":         "txt",
		"application/msword": "doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	})
}

// NewFormats builds an allowlist from content type to extension.
func NewFormats(byType map[string]string) *Formats {
	f := &Formats{byType: make(map[string]string, len(byType))}
	for ct, ext := range byType {
		f.byType[strings.ToLower(ct)] = strings.ToLower(ext)
	}
	return f
}

// IsAccepted reports whether contentType is in the allowlist.
// Parameters such as charset are ignored.
func (f *Formats) IsAccepted(contentType string) bool {
	_, ok := f.byType[mediaType(contentType)]
	return ok
}

// Extension returns the lowercase extension of filename without the dot, or
// the extension registered for contentType when the name has none.
func (f *Formats) Extension(filename, contentType string) string {
	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if ext, ok := f.byType[mediaType(contentType)]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType(contentType)); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

// AcceptedString lists the accepted extensions, sorted and comma separated.
func (f *Formats) AcceptedString() string {
	seen := make(map[string]struct{}, len(f.byType))
	exts := make([]string, 0, len(f.byType))
	for _, ext := range f.byType {
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// SanitizeName reduces a client supplied filename to a safe base name made of
// ASCII letters, digits, dots, dashes and underscores.
func SanitizeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		return "file"
	}
	return name
}

// GeneratePath returns the storage directory of a file, relative to the
// storage root.
func GeneratePath(conversationID, fileID int64) string {
	return filepath.Join(strconv.FormatInt(conversationID, 10), strconv.FormatInt(fileID, 10))
}
