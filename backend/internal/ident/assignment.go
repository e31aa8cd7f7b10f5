package ident

import (
	"sort"

	"gradesync/backend/internal/shared"
)

// CurrentAssignment picks the current assignment of a student in a course.
// The latest CreatedAt wins; equal timestamps fall back to insertion order
// (Seq, then position in history), the later insertion winning. Every other
// matching entry is returned as older history, oldest first. Nothing is
// dropped: a mistaken move can be undone by inspecting the history.
func CurrentAssignment(history []shared.Assignment, studentID, courseID string) (*shared.Assignment, []shared.Assignment) {
	var matches []shared.Assignment
	for _, a := range history {
		if a.StudentID == studentID && a.CourseID == courseID {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].Seq < matches[j].Seq
	})

	current := matches[len(matches)-1]
	return &current, matches[:len(matches)-1]
}

// ActiveRefs recomputes a student's active course refs from the assignment
// history: one ref per course, pointing at the current section.
func ActiveRefs(history []shared.Assignment, studentID string) []shared.CourseSectionRef {
	seen := make(map[string]bool)
	var courses []string
	for _, a := range history {
		if a.StudentID == studentID && !seen[a.CourseID] {
			seen[a.CourseID] = true
			courses = append(courses, a.CourseID)
		}
	}
	sort.Strings(courses)

	refs := make([]shared.CourseSectionRef, 0, len(courses))
	for _, courseID := range courses {
		current, _ := CurrentAssignment(history, studentID, courseID)
		refs = append(refs, shared.CourseSectionRef{CourseID: courseID, SectionID: current.SectionID})
	}
	return refs
}
