// ABOUTME: Display-name normalization and Content-Disposition construction
// ABOUTME: Display names are independent of storage paths and never contain path separators

// Package filename turns client-supplied file names into safe display names
// and builds download headers for devices with varying filename tolerance.
package filename

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// Fallback is used when nothing of the original name survives.
	Fallback = "file"

	maxNameBytes = 200
)

// reserved are characters rejected by common filesystems.
const reserved = `<>:"/\|?*`

// ligatures and letters that NFKD does not decompose into ASCII.
var translit = strings.NewReplacer(
	"ß", "ss", "æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O", "ł", "l", "Ł", "L", "đ", "d", "Đ", "D",
	"þ", "th", "Þ", "Th", "ð", "d", "–", "-", "—", "-",
	"‘", "'", "’", "'", "“", `"`, "”", `"`,
)

// Normalize returns a display name for a client-supplied file name.
// Directory components are dropped, the name is NFC-normalized, control and
// reserved characters become underscores, and the result is bounded in length.
func Normalize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	name = norm.NFC.String(name)

	var b strings.Builder
	lastSpace := false
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
		case r == utf8.RuneError || unicode.IsControl(r):
			continue
		case strings.ContainsRune(reserved, r):
			b.WriteRune('_')
			lastSpace = false
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.Trim(b.String(), " .")
	if out == "" || out == "_" {
		return Fallback
	}
	return truncate(out)
}

// ASCII transliterates a display name to the portable set [A-Za-z0-9._()-].
// Accents are stripped, known ligatures expanded, anything else becomes '_'.
func ASCII(name string) string {
	name = translit.Replace(name)
	stripped, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		stripped = name
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range stripped {
		if isPortable(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
		}
		lastUnderscore = true
	}

	out := strings.TrimRight(strings.Trim(b.String(), "_"), ".")
	if out == "" || strings.HasPrefix(out, ".") {
		return Fallback + path.Ext(out)
	}
	return truncate(out)
}

func isPortable(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_' || r == '(' || r == ')':
		return true
	}
	return false
}

// ContentDisposition builds an attachment header for name. Strict devices get
// only the ASCII form; others also get the RFC 5987 UTF-8 form.
func ContentDisposition(name string, strict bool) string {
	ascii := ASCII(name)
	header := `attachment; filename="` + ascii + `"`
	if strict || ascii == name {
		return header
	}
	return header + "; filename*=UTF-8''" + encodeExtValue(name)
}

// encodeExtValue percent-encodes everything outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// truncate bounds a name to maxNameBytes while keeping its extension.
func truncate(name string) string {
	if len(name) <= maxNameBytes {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	base := name[:maxNameBytes-len(ext)]
	for !utf8.ValidString(base) {
		base = base[:len(base)-1]
	}
	return base + ext
}
