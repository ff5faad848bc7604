// ABOUTME: Allowed upload extensions and content type detection
// ABOUTME: Sniffs file content and falls back to the declared type only for generic binaries

package upload

import (
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// accepted maps each allowed extension to the content types it may carry.
// The first entry is the canonical type used when serving the file.
var accepted = map[string][]string{
	".epub":  {"application/epub+zip"},
	".kepub": {"application/epub+zip"},
	".mobi":  {"application/x-mobipocket-ebook"},
	".azw":   {"application/vnd.amazon.ebook", "application/x-mobipocket-ebook"},
	".azw3":  {"application/vnd.amazon.ebook", "application/x-mobipocket-ebook"},
	".pdf":   {"application/pdf"},
	".cbz":   {"application/vnd.comicbook+zip", "application/zip"},
	".cbr":   {"application/vnd.comicbook-rar", "application/x-rar-compressed"},
	".txt":   {"text/plain"},
}

// AllowedExtensions returns the accepted file extensions, sorted.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(accepted))
	for ext := range accepted {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// detectType checks the file at path against the types allowed for name's
// extension and returns the canonical content type for it. The declared
// type is consulted only when sniffing finds nothing more specific than
// application/octet-stream.
func detectType(path, name, declared string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	allowed, ok := accepted[ext]
	if !ok {
		if ext == "" {
			return "", fmt.Errorf("%w: %q has no extension", ErrInvalidFileType, name)
		}
		return "", fmt.Errorf("%w: extension %q is not allowed", ErrInvalidFileType, ext)
	}

	sniffed, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", name, err)
	}

	if sniffed.Is(octetStream) {
		if dt := declaredType(declared); dt != "" && slices.Contains(allowed, dt) {
			return allowed[0], nil
		}
		return "", fmt.Errorf("%w: %q content is not recognizable as %s", ErrInvalidFileType, name, ext)
	}

	for m := sniffed; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return allowed[0], nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q is %s, not %s", ErrInvalidFileType, name, sniffed.String(), ext)
}

// declaredType strips parameters from a Content-Type header value.
func declaredType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return mt
}
