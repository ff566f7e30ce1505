// Package translate resolves destination file names from wildcard patterns.
//
// A pattern has an optional name part and extension part separated by the
// first dot. Within a part, '*' copies the rest of the source text and '?'
// copies the source character at the same index as the '?' in the pattern.
// Literal characters are copied as written.
//
// The result joins name and extension with a dot only when the resolved
// extension is non-empty. Translate("a.txt", "b.") is "b" and
// Translate("README", "dest") is "dest", never a name ending in a dot.
package translate

import (
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// Placeholder is emitted for a '?' that has no source character to copy.
const Placeholder = '_'

// Translate returns the file name obtained by applying pattern to
// sourceName. It never touches the filesystem.
func Translate(sourceName, pattern string) string {
	if pattern == "" {
		return sourceName
	}

	srcExt := filepath.Ext(sourceName)
	srcName := strings.TrimSuffix(sourceName, srcExt)
	srcExt = strings.TrimPrefix(srcExt, ".")

	var name, ext string
	if namePat, extPat, ok := strings.Cut(pattern, "."); ok {
		name = resolve(namePat, srcName)
		ext = resolve(extPat, srcExt)
	} else {
		name = resolve(pattern, srcName)
		ext = srcExt
	}

	if ext == "" {
		return name
	}
	return name + "." + ext
}

// Destination joins dir with the translated name.
func Destination(dir, sourceName, pattern string) string {
	return filepath.Join(dir, Translate(sourceName, pattern))
}

// resolve applies one pattern part to one source part.
func resolve(pattern, source string) string {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern
	}
	if pattern == "*" {
		return source
	}

	src := []rune(source)
	var out strings.Builder
	cursor := 0
	starSeen := false

	for i, c := range []rune(pattern) {
		switch c {
		case '*':
			if !starSeen {
				out.WriteString(string(src[cursor:]))
				cursor = len(src)
				starSeen = true
			}
		case '?':
			if i < len(src) && cursor < len(src) {
				out.WriteRune(src[i])
			} else {
				out.WriteRune(Placeholder)
			}
		default:
			out.WriteRune(c)
			if i < len(src) {
				cursor = i + 1
			}
		}
	}
	return out.String()
}

// Validate rejects patterns that could escape the destination directory.
func Validate(pattern string) error {
	if strings.ContainsAny(pattern, `/\`) {
		return errors.NewConfigurationError("pattern must not contain path separators", errors.ErrMalformedPattern)
	}
	if pattern == "." || pattern == ".." || strings.Contains(pattern, "..") {
		return errors.NewConfigurationError("pattern must not contain '..'", errors.ErrMalformedPattern)
	}
	if strings.ContainsRune(pattern, 0) {
		return errors.NewConfigurationError("pattern contains a NUL byte", errors.ErrMalformedPattern)
	}
	return nil
}
