package ident

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slugify turns a human label into a lookup slug: lowercase, diacritics
// stripped ("Básico" == "Basico"), whitespace runs collapsed into a single
// underscore. The result depends only on the input, never on the locale.
//
//	Slugify("5to  Básico") == "5to_basico"
func Slugify(label string) string {
	decomposed := norm.NFD.String(strings.TrimSpace(label))

	var b strings.Builder
	b.Grow(len(decomposed))
	pendingSpace := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingSpace = false
		b.WriteRune(unicode.ToLower(r))
	}

	return b.String()
}

// HeaderKey normalizes a column header for alias matching:
// "Student Name" and "student_name" both become "studentname".
func HeaderKey(header string) string {
	key := Slugify(strings.TrimPrefix(header, "\ufeff"))
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(key)
}

// NormalizeCode canonicalizes an external student code such as a RUT:
// dots and spaces removed, uppercased ("12.345.678-k" -> "12345678-K").
func NormalizeCode(code string) string {
	code = strings.NewReplacer(".", "", " ", "").Replace(strings.TrimSpace(code))
	return strings.ToUpper(code)
}
