// Package recipe extracts ordered patch lists from distribution packaging
// files: Arch Linux PKGBUILD recipes and RPM spec files.
package recipe

import (
	"errors"
	"strings"
)

// ErrUnterminatedSource is returned when a PKGBUILD source=( block has no
// closing parenthesis line
var ErrUnterminatedSource = errors.New("unterminated source=( block")

// Entry is one patch referenced by a recipe
type Entry struct {
	// Name is the patch file name as it appears in the recipe.
	Name string
	// URL is set when the recipe names an explicit download location.
	URL string
}

// ParsePKGBUILD returns the .patch entries of the first source=( array,
// in recipe order. A recipe without a source array yields no entries.
func ParsePKGBUILD(text string) ([]Entry, error) {
	var entries []Entry
	inSource := false

	for _, raw := range splitLines(text) {
		line := stripComment(raw)

		if !inSource {
			rest, ok := strings.CutPrefix(line, "source=(")
			if !ok {
				continue
			}
			line = rest
			inSource = true
		}

		// A line may hold several entries, and the closing parenthesis may
		// follow the last of them.
		inline, closed := strings.CutSuffix(line, ")")
		for _, field := range strings.Fields(inline) {
			entries = appendPatch(entries, field)
		}
		if closed {
			return entries, nil
		}
	}

	if inSource {
		return entries, ErrUnterminatedSource
	}
	return nil, nil
}

func appendPatch(entries []Entry, value string) []Entry {
	entry := parseSourceEntry(unquote(value))
	if !strings.HasSuffix(entry.Name, ".patch") {
		return entries
	}
	return append(entries, entry)
}

// parseSourceEntry splits the name::url form used by makepkg
func parseSourceEntry(value string) Entry {
	if name, url, ok := strings.Cut(value, "::"); ok {
		return Entry{Name: name, URL: url}
	}
	if strings.Contains(value, "://") {
		return Entry{Name: value[strings.LastIndex(value, "/")+1:], URL: value}
	}
	return Entry{Name: value}
}

// unquote strips one layer of matching single or double quotes
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// stripComment drops everything from the first # and trims whitespace
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
