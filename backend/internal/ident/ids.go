package ident

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gradesync/backend/internal/shared"
)

// Name-based UUID namespaces. Every ID derived here is a pure function of
// natural keys, so replaying an import produces the same documents.
var (
	rootNamespace       = uuid.NewSHA1(uuid.NameSpaceURL, []byte("gradesync"))
	courseNamespace     = uuid.NewSHA1(rootNamespace, []byte("course"))
	sectionNamespace    = uuid.NewSHA1(rootNamespace, []byte("section"))
	studentNamespace    = uuid.NewSHA1(rootNamespace, []byte("student"))
	assignmentNamespace = uuid.NewSHA1(rootNamespace, []byte("assignment"))
	gradeNamespace      = uuid.NewSHA1(rootNamespace, []byte("grade"))
)

// CourseID derives the ID of an auto-created course in a year
func CourseID(year int, slug string) string {
	return uuid.NewSHA1(courseNamespace, []byte(fmt.Sprintf("%d/%s", year, slug))).String()
}

// SectionID derives the ID of an auto-created section of a course
func SectionID(courseID, slug string) string {
	return uuid.NewSHA1(sectionNamespace, []byte(courseID+"/"+slug)).String()
}

// StudentID derives the stable ID of a student from the external code
func StudentID(code string) string {
	return uuid.NewSHA1(studentNamespace, []byte(NormalizeCode(code))).String()
}

// AssignmentID derives the ID of one assignment history entry
func AssignmentID(studentID, courseID, sectionID string, at time.Time, seq int64) string {
	key := strings.Join([]string{studentID, courseID, sectionID, at.UTC().Format(time.RFC3339Nano), strconv.FormatInt(seq, 10)}, "|")
	return uuid.NewSHA1(assignmentNamespace, []byte(key)).String()
}

// GradeDocID derives the remote document ID of a grade from its natural key
func GradeDocID(g shared.Grade) string {
	key := strings.Join([]string{
		g.StudentID,
		g.CourseID,
		Slugify(g.SubjectID),
		g.Type,
		g.GradedAt.UTC().Format(time.RFC3339),
	}, "|")
	return uuid.NewSHA1(gradeNamespace, []byte(key)).String()
}
