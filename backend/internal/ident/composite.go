package ident

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// uuidLen is the canonical textual length of a UUID (8-4-4-4-12)
	uuidLen = 36

	// compositeLen is "{uuid}-{uuid}"
	compositeLen = uuidLen*2 + 1
)

// ErrAmbiguousComposite is returned when a composite key cannot be split into
// two canonical UUIDs.
var ErrAmbiguousComposite = errors.New("ambiguous composite key")

// CompositeKey is the decoded form of "{courseId}-{sectionId}"
type CompositeKey struct {
	CourseID  string `json:"course_id"`
	SectionID string `json:"section_id"`
}

// String re-encodes the key
func (k CompositeKey) String() string {
	return Composite(k.CourseID, k.SectionID)
}

// Canonical returns the key with both UUIDs lowercased, the form IDs are stored in
func (k CompositeKey) Canonical() CompositeKey {
	return CompositeKey{CourseID: strings.ToLower(k.CourseID), SectionID: strings.ToLower(k.SectionID)}
}

// Composite joins a course and a section UUID into a composite key
func Composite(courseID, sectionID string) string {
	return courseID + "-" + sectionID
}

// IsUUID reports whether s is a canonical 36-character UUID
func IsUUID(s string) bool {
	if len(s) != uuidLen || strings.Count(s, "-") != 4 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// LooksComposite reports whether s has the shape of a composite key
func LooksComposite(s string) bool {
	return len(strings.TrimSpace(s)) == compositeLen && strings.Count(s, "-") == 9
}

// ResolveComposite splits a composite key at the fifth hyphen. Each half must
// be a canonical UUID (five hyphen-delimited groups); anything else is
// rejected instead of guessed. The halves are returned exactly as given.
func ResolveComposite(key string) (CompositeKey, error) {
	key = strings.TrimSpace(key)
	if len(key) != compositeLen {
		return CompositeKey{}, fmt.Errorf("%w: %q has length %d, want %d", ErrAmbiguousComposite, key, len(key), compositeLen)
	}

	split := nthIndex(key, '-', 5)
	if split != uuidLen {
		return CompositeKey{}, fmt.Errorf("%w: %q is not two hyphenated UUIDs", ErrAmbiguousComposite, key)
	}

	course, section := key[:split], key[split+1:]
	if !IsUUID(course) || !IsUUID(section) {
		return CompositeKey{}, fmt.Errorf("%w: %q halves are not valid UUIDs", ErrAmbiguousComposite, key)
	}

	return CompositeKey{CourseID: course, SectionID: section}, nil
}

// nthIndex returns the byte index of the n-th occurrence of c, or -1
func nthIndex(s string, c byte, n int) int {
	seen := 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return -1
}
