package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/shared"
)

// ErrLegacyShape means a stored grade cannot be mapped to the canonical schema
var ErrLegacyShape = errors.New("unrecognized grade shape")

// Directory resolves the course and section references legacy documents carry
type Directory interface {
	LookupCourse(value string) (string, bool)
	LookupSection(courseID, value string) (string, bool)
}

// Keys observed across stored grade shapes, most specific first
var (
	legacyIDKeys          = []string{"_id", "id"}
	legacyStudentKeys     = []string{"student_id", "studentId", "studentID", "estudianteId"}
	legacyStudentCodeKeys = []string{"rut", "student_code", "studentCode", "codigo"}
	legacyCourseKeys      = []string{"course_id", "courseId", "courseID", "course", "curso"}
	legacySectionKeys     = []string{"section_id", "sectionId", "sectionID", "section", "seccion", "letra"}
	legacyCompositeKeys   = []string{"courseSection", "course_section", "cursoSeccionId"}
	legacySubjectKeys     = []string{"subject_id", "subjectId", "subject", "asignatura", "materia"}
	legacyScoreKeys       = []string{"score", "nota", "calificacion", "grade"}
	legacyDateKeys        = []string{"graded_at", "gradedAt", "fecha", "date"}
	legacyTypeKeys        = []string{"type", "tipo"}
	legacyStudentNameKeys = []string{"student_name", "studentName", "nombre"}
	legacyCourseNameKeys  = []string{"course_name", "courseName"}
)

// NormalizeLegacyGrade maps any stored grade shape onto shared.Grade.
// Courses may arrive as UUIDs, slugs or labels, or as a composite
// "{courseId}-{sectionId}" key; non-UUID references are resolved through dir.
func NormalizeLegacyGrade(doc map[string]interface{}, dir Directory) (shared.Grade, error) {
	var g shared.Grade

	g.ID = shared.FirstString(doc, legacyIDKeys...)

	g.StudentID = shared.FirstString(doc, legacyStudentKeys...)
	if g.StudentID == "" {
		if code := shared.FirstString(doc, legacyStudentCodeKeys...); code != "" {
			g.StudentID = ident.StudentID(code)
		}
	}
	if g.StudentID == "" {
		return shared.Grade{}, fmt.Errorf("%w: no student reference", ErrLegacyShape)
	}

	if composite := shared.FirstString(doc, legacyCompositeKeys...); composite != "" {
		key, err := ident.ResolveComposite(composite)
		if err != nil {
			return shared.Grade{}, err
		}
		key = key.Canonical()
		g.CourseID, g.SectionID = key.CourseID, key.SectionID
	} else {
		course := shared.FirstString(doc, legacyCourseKeys...)
		if ident.LooksComposite(course) {
			key, err := ident.ResolveComposite(course)
			if err != nil {
				return shared.Grade{}, err
			}
			key = key.Canonical()
			g.CourseID, g.SectionID = key.CourseID, key.SectionID
		} else {
			id, err := resolveCourse(course, dir)
			if err != nil {
				return shared.Grade{}, err
			}
			g.CourseID = id
		}
	}

	if g.SectionID == "" {
		if section := shared.FirstString(doc, legacySectionKeys...); section != "" {
			g.SectionID = resolveSection(g.CourseID, section, dir)
		}
	}

	score, err := firstScore(doc)
	if err != nil {
		return shared.Grade{}, err
	}
	g.Score = score

	g.GradedAt, err = firstTime(doc)
	if err != nil {
		return shared.Grade{}, err
	}

	g.SubjectID = shared.FirstString(doc, legacySubjectKeys...)
	g.Type = ident.Slugify(shared.FirstString(doc, legacyTypeKeys...))
	if !shared.IsValidGradeType(g.Type) {
		g.Type = shared.GradeTypeEvaluacion
	}

	if year, err := shared.GetInt64(doc["year"]); err == nil && year > 0 {
		g.Year = int(year)
	} else {
		g.Year = g.GradedAt.Year()
	}

	g.StudentName = shared.FirstString(doc, legacyStudentNameKeys...)
	g.CourseName = shared.FirstString(doc, legacyCourseNameKeys...)
	if t, err := shared.GetTime(doc["updated_at"]); err == nil {
		g.UpdatedAt = t
	}

	if g.ID == "" {
		g.ID = ident.GradeDocID(g)
	}
	return g, nil
}

func resolveCourse(value string, dir Directory) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%w: no course reference", ErrLegacyShape)
	}
	if ident.IsUUID(value) {
		return strings.ToLower(value), nil
	}
	if dir != nil {
		if id, ok := dir.LookupCourse(value); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: unknown course %q", ErrLegacyShape, value)
}

// resolveSection keeps unresolvable sections empty; a grade stays valid without one
func resolveSection(courseID, value string, dir Directory) string {
	if ident.IsUUID(value) {
		return strings.ToLower(value)
	}
	if dir != nil {
		if id, ok := dir.LookupSection(courseID, value); ok {
			return id
		}
	}
	return ""
}

func firstScore(doc map[string]interface{}) (float64, error) {
	for _, key := range legacyScoreKeys {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		f, err := shared.GetFloat64(v)
		if err != nil || f < shared.MinScore || f > shared.MaxScore {
			return 0, fmt.Errorf("%w: invalid score %v", ErrLegacyShape, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: no score", ErrLegacyShape)
}

func firstTime(doc map[string]interface{}) (time.Time, error) {
	for _, key := range legacyDateKeys {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		if t, err := shared.GetTime(v); err == nil {
			return t, nil
		}
		if s, err := shared.GetString(v); err == nil {
			if t, err := ParseDate(s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: invalid date %v", ErrLegacyShape, v)
	}
	return time.Time{}, fmt.Errorf("%w: no date", ErrLegacyShape)
}
