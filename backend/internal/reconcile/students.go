package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/shared"
)

// AssignmentHistory is the placement of a student in one course
type AssignmentHistory struct {
	CourseID string              `json:"course_id"`
	Current  shared.Assignment   `json:"current"`
	History  []shared.Assignment `json:"history"`
}

// AssignResult reports a student move
type AssignResult struct {
	Assignment shared.Assignment   `json:"assignment"`
	Changed    bool                `json:"changed"`
	Student    shared.Student      `json:"student"`
	Warnings   []string            `json:"warnings,omitempty"`
	History    []shared.Assignment `json:"history"`
}

// Assign moves a student to a section of a course. The previous placement
// stays in the history, so a mistaken move can be undone by assigning back.
// The remote store is written before the cache.
func (e *Engine) Assign(ctx context.Context, year int, studentID, courseID, sectionID string) (*AssignResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(year)
	if err != nil {
		return nil, err
	}
	if err := e.ensureNamespace(ctx, year); err != nil {
		return nil, err
	}
	r, err := e.loadResolver(year)
	if err != nil {
		return nil, err
	}
	if _, ok := r.Course(courseID); !ok {
		return nil, fmt.Errorf("%w: course %s", ident.ErrUnknownIdentifier, courseID)
	}

	a, changed, err := r.Assign(studentID, courseID, sectionID)
	if err != nil {
		return nil, err
	}

	result := &AssignResult{Assignment: a, Changed: changed}
	if changed {
		warnings, err := e.persistDirectory(ctx, r)
		if err != nil {
			return nil, err
		}
		result.Warnings = warnings
		e.log.Info("Student assigned",
			zap.String("student_id", studentID),
			zap.String("course_id", courseID),
			zap.String("section_id", sectionID),
			zap.Int("year", year))
	}

	result.Student, _ = r.Student(studentID)
	_, result.History = r.History(studentID, courseID)
	if result.History == nil {
		result.History = []shared.Assignment{}
	}
	return result, nil
}

// Grades reads cached grades of a namespace, optionally for one course
func (e *Engine) Grades(year int, courseID string) ([]shared.Grade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(year)
	if err != nil {
		return nil, err
	}
	grades, err := cache.Get[shared.Grade](e.cache, shared.CollectionGrades, year)
	if err != nil {
		return nil, err
	}
	if courseID == "" {
		return grades, nil
	}

	out := []shared.Grade{}
	for _, g := range grades {
		if g.CourseID == courseID {
			out = append(out, g)
		}
	}
	return out, nil
}

// StudentAssignments reads the cached placement history of a student, one
// entry per course in course ID order
func (e *Engine) StudentAssignments(year int, studentID string) ([]AssignmentHistory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(year)
	if err != nil {
		return nil, err
	}
	r, err := e.loadResolver(year)
	if err != nil {
		return nil, err
	}
	if _, ok := r.Student(studentID); !ok {
		return nil, fmt.Errorf("%w: student %s", ident.ErrUnknownIdentifier, studentID)
	}

	out := []AssignmentHistory{}
	for _, ref := range ident.ActiveRefs(r.Snapshot().Assignments, studentID) {
		current, history := r.History(studentID, ref.CourseID)
		if history == nil {
			history = []shared.Assignment{}
		}
		out = append(out, AssignmentHistory{CourseID: ref.CourseID, Current: *current, History: history})
	}
	return out, nil
}
