package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/ingest"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

// Import run statuses
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusNoop    = "noop"
	StatusFailed  = "failed"

	// StatusCancelled means the run was cancelled before any grade was committed
	StatusCancelled = "cancelled"
)

// ImportRequest is one tabular grade source
type ImportRequest struct {
	Year     int
	Source   io.Reader
	Filename string
}

// FailedRow explains why a row was not imported
type FailedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"message"`
}

// ImportSummary is the report of an import run
type ImportSummary struct {
	Year       int                   `json:"year"`
	TotalRows  int                   `json:"totalRows"`
	Imported   int                   `json:"processed"`
	Changed    int                   `json:"changed"`
	Skipped    int                   `json:"skipped"`
	Failed     int                   `json:"totalErrors"`
	FailedRows []FailedRow           `json:"errors"`
	Batches    []remote.BatchOutcome `json:"batches"`
	Created    CreatedCounts         `json:"created"`
	Cancelled  bool                  `json:"cancelled,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
	Status     string                `json:"status"`
}

// CreatedCounts lists entities auto-created while resolving rows
type CreatedCounts struct {
	Students    int `json:"students"`
	Courses     int `json:"courses"`
	Sections    int `json:"sections"`
	Assignments int `json:"assignments"`
}

// resolvedRow is a grade ready to be written, with its source row
type resolvedRow struct {
	row   int
	grade shared.Grade
}

// Import runs Parsing, Resolving, Writing and CacheUpdate for one source.
// Row and batch problems end up in the summary; only resource failures
// (unreadable source, unusable header, unavailable store) are returned as
// errors.
func (e *Engine) Import(ctx context.Context, req ImportRequest) (*ImportSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(req.Year)
	if err != nil {
		return nil, err
	}
	summary := &ImportSummary{Year: year, FailedRows: []FailedRow{}}

	// Parsing
	rows, rowErrs, err := e.parser.Parse(req.Source)
	if err != nil {
		return nil, err
	}
	summary.TotalRows = len(rows) + len(rowErrs)
	for _, re := range rowErrs {
		summary.FailedRows = append(summary.FailedRows, FailedRow{Row: re.Row, Reason: re.Message})
	}
	e.log.Info("Import parsed",
		zap.String("file", req.Filename),
		zap.Int("year", year),
		zap.Int("rows", len(rows)),
		zap.Int("invalid", len(rowErrs)))

	// Resolving
	if err := e.ensureNamespace(ctx, year); err != nil {
		return nil, err
	}
	resolver, err := e.loadResolver(year)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, s := range resolver.Snapshot().Students {
		known[s.ID] = true
	}

	var resolved []resolvedRow
	for _, row := range rows {
		grade, reason := e.resolveRow(resolver, year, row)
		if reason != "" {
			summary.FailedRows = append(summary.FailedRows, FailedRow{Row: row.Row, Reason: reason})
			continue
		}
		resolved = append(resolved, resolvedRow{row: row.Row, grade: grade})
	}

	pending := resolver.Pending()
	summary.Created = CreatedCounts{
		Students:    countAuto(pending.Students, func(s shared.Student) bool { return !known[s.ID] }),
		Courses:     len(pending.Courses),
		Sections:    len(pending.Sections),
		Assignments: len(pending.Assignments),
	}

	warnings, err := e.persistDirectory(ctx, resolver)
	if err != nil {
		switch {
		case errors.Is(err, remote.ErrUnavailable):
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			summary.Cancelled = true
			summary.Skipped += len(resolved)
		default:
			for _, r := range resolved {
				summary.FailedRows = append(summary.FailedRows, FailedRow{Row: r.row, Reason: "directory write failed"})
			}
		}
		summary.Warnings = append(summary.Warnings, err.Error())
		resolved = nil
	}
	summary.Warnings = append(summary.Warnings, warnings...)

	// Writing and CacheUpdate
	if err := e.writeGrades(ctx, year, resolved, summary); err != nil {
		return nil, err
	}

	sort.SliceStable(summary.FailedRows, func(i, j int) bool { return summary.FailedRows[i].Row < summary.FailedRows[j].Row })
	summary.Failed = len(summary.FailedRows)
	summary.Status = importStatus(summary)

	e.log.Info("Import finished",
		zap.Int("year", year),
		zap.String("status", summary.Status),
		zap.Int("imported", summary.Imported),
		zap.Int("changed", summary.Changed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// resolveRow maps a parsed row to a canonical grade. A non-empty reason
// means the row failed resolution.
func (e *Engine) resolveRow(r *ident.Resolver, year int, row ingest.GradeRow) (shared.Grade, string) {
	student, err := r.ResolveStudent(row.StudentCode, row.StudentName)
	if err != nil {
		return shared.Grade{}, resolutionReason(err)
	}

	var course, section ident.EntityRef
	if ident.LooksComposite(row.Course) {
		course, section, err = r.ResolveCompositeRef(row.Course)
	} else {
		course, err = r.ResolveCourse(row.Course)
		if err == nil && row.Section != "" {
			section, err = r.ResolveSection(course.ID, row.Section)
		}
	}
	if err != nil {
		return shared.Grade{}, resolutionReason(err)
	}

	if section.ID != "" {
		if _, _, err := r.Assign(student.ID, course.ID, section.ID); err != nil {
			return shared.Grade{}, resolutionReason(err)
		}
	} else if current, ok := r.CurrentSection(student.ID, course.ID); ok {
		section.ID = current
	}

	name := student.Name
	if name == "" {
		name = row.StudentName
	}

	g := shared.Grade{
		StudentID:   student.ID,
		CourseID:    course.ID,
		SectionID:   section.ID,
		SubjectID:   ident.Slugify(row.Subject),
		Score:       row.Score,
		GradedAt:    row.GradedAt,
		Type:        row.Type,
		Year:        year,
		StudentName: name,
		CourseName:  course.Name,
	}
	g.ID = ident.GradeDocID(g)
	return g, ""
}

func resolutionReason(err error) string {
	var amb *ident.AmbiguousIdentifierError
	switch {
	case errors.As(err, &amb):
		return amb.Error()
	case errors.Is(err, ident.ErrAmbiguousComposite):
		return "ambiguous composite key"
	}
	return err.Error()
}

// writeGrades commits resolved rows course by course, in order of first
// appearance, and mirrors every committed batch into the cache right away.
// The first failing batch stops all further writes.
func (e *Engine) writeGrades(ctx context.Context, year int, resolved []resolvedRow, summary *ImportSummary) error {
	cached, err := cache.Get[shared.Grade](e.cache, shared.CollectionGrades, year)
	if err != nil {
		return err
	}
	set := newGradeSet(cached)

	var courseOrder []string
	groups := make(map[string][]resolvedRow)
	for _, r := range resolved {
		if _, ok := groups[r.grade.CourseID]; !ok {
			courseOrder = append(courseOrder, r.grade.CourseID)
		}
		groups[r.grade.CourseID] = append(groups[r.grade.CourseID], r)
	}

	stopped := false
	for _, courseID := range courseOrder {
		group := groups[courseID]
		if stopped {
			summary.Skipped += len(group)
			continue
		}

		docs := make([]remote.Document, len(group))
		for i, r := range group {
			// Unchanged grades keep their timestamp so a replay writes identical documents
			if old, ok := set.byID[r.grade.ID]; ok && sameGrade(old, r.grade) {
				r.grade.UpdatedAt = old.UpdatedAt
			} else {
				r.grade.UpdatedAt = e.now().UTC()
			}
			group[i] = r
			docs[i] = remote.Document{ID: r.grade.ID, Shard: courseID, Body: r.grade}
		}

		offset := 0
		onBatch := func(outcome remote.BatchOutcome, committed []remote.Document) {
			for i := range committed {
				if set.put(group[offset+i].grade) {
					summary.Changed++
				}
			}
			offset += len(committed)
			if err := cache.Set(e.cache, shared.CollectionGrades, year, set.list()); err != nil {
				e.log.Warn("Cache update after batch failed", zap.Int("batch", outcome.Index+1), zap.Error(err))
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("cache grades batch %d: %v", outcome.Index+1, err))
			}
		}

		result, err := e.remote.BulkWrite(ctx, courseID, shared.CollectionGrades, docs, onBatch)
		summary.Imported += result.Written
		summary.Batches = append(summary.Batches, result.Batches...)

		if err != nil {
			if errors.Is(err, remote.ErrUnavailable) {
				return err
			}
			var pbf *remote.PartialBatchFailure
			if !errors.As(err, &pbf) {
				return err
			}
			// Uncommitted rows of the failing batch fail, everything after is skipped
			batchEnd := min(batchEndFor(result), len(group))
			for _, r := range group[result.Written:batchEnd] {
				summary.FailedRows = append(summary.FailedRows, FailedRow{Row: r.row, Reason: fmt.Sprintf("batch %d failed: %v", pbf.Batch+1, pbf.Err)})
			}
			summary.Skipped += len(group) - batchEnd
			stopped = true
			continue
		}
		if result.Cancelled {
			summary.Cancelled = true
			summary.Skipped += len(group) - result.Written
			stopped = true
		}
	}
	return nil
}

// batchEndFor returns the input index just past the last attempted batch
func batchEndFor(result remote.WriteResult) int {
	end := 0
	for _, b := range result.Batches {
		end += b.Size
	}
	return end
}

func importStatus(s *ImportSummary) string {
	switch {
	case s.Cancelled && s.Imported == 0:
		return StatusCancelled
	case s.Imported == 0 && s.Failed > 0:
		return StatusFailed
	case s.Imported == 0 && s.Skipped > 0:
		return StatusFailed
	case s.Failed > 0 || s.Skipped > 0 || s.Cancelled:
		return StatusPartial
	case s.Changed == 0:
		return StatusNoop
	}
	return StatusOK
}

func countAuto[T any](items []T, pred func(T) bool) int {
	n := 0
	for _, item := range items {
		if pred(item) {
			n++
		}
	}
	return n
}

// ============================================================================
// Grade Set
// ============================================================================

// gradeSet is the in-memory copy of a cached grade collection, kept in
// insertion order with replace-by-ID semantics.
type gradeSet struct {
	order []string
	byID  map[string]shared.Grade
}

func newGradeSet(grades []shared.Grade) *gradeSet {
	s := &gradeSet{byID: make(map[string]shared.Grade, len(grades))}
	for _, g := range grades {
		s.put(g)
	}
	return s
}

// put stores g and reports whether it differs from the stored copy
func (s *gradeSet) put(g shared.Grade) bool {
	old, ok := s.byID[g.ID]
	if !ok {
		s.order = append(s.order, g.ID)
	}
	s.byID[g.ID] = g
	return !ok || !sameGrade(old, g)
}

func (s *gradeSet) list() []shared.Grade {
	out := make([]shared.Grade, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// sameGrade compares everything but the update timestamp
func sameGrade(a, b shared.Grade) bool {
	return a.ID == b.ID &&
		a.StudentID == b.StudentID &&
		a.CourseID == b.CourseID &&
		a.SectionID == b.SectionID &&
		a.SubjectID == b.SubjectID &&
		a.Score == b.Score &&
		a.GradedAt.Equal(b.GradedAt) &&
		a.Type == b.Type &&
		a.Year == b.Year &&
		a.StudentName == b.StudentName &&
		a.CourseName == b.CourseName
}
