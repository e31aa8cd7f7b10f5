package ident

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gradesync/backend/internal/shared"
)

// Kind names the entity collections the resolver can look up
type Kind string

const (
	KindCourse  Kind = "course"
	KindSection Kind = "section"
	KindStudent Kind = "student"
)

// ErrUnknownIdentifier is returned for a well-formed UUID that matches nothing
var ErrUnknownIdentifier = errors.New("unknown identifier")

// EntityRef is the resolved form of a label or identifier
type EntityRef struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	AutoCreated bool   `json:"auto_created,omitempty"`
}

// AmbiguousIdentifierError carries every candidate an input could resolve to
type AmbiguousIdentifierError struct {
	Kind       Kind
	Input      string
	Candidates []EntityRef
}

func (e *AmbiguousIdentifierError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.ID
	}
	return fmt.Sprintf("ambiguous %s %q: candidates %s", e.Kind, e.Input, strings.Join(ids, ", "))
}

// Snapshot is the directory content of one namespace
type Snapshot struct {
	Courses     []shared.Course
	Sections    []shared.Section
	Students    []shared.Student
	Assignments []shared.Assignment
}

// Empty reports whether the snapshot holds nothing
func (s Snapshot) Empty() bool {
	return len(s.Courses) == 0 && len(s.Sections) == 0 && len(s.Students) == 0 && len(s.Assignments) == 0
}

// Resolver maps labels, codes and composite keys of one year namespace to
// stable identifiers, creating entities on demand. It remembers what it
// created or changed until MarkPersisted is called.
type Resolver struct {
	year int
	now  func() time.Time

	courses     map[string]shared.Course
	sections    map[string]shared.Section
	students    map[string]shared.Student
	assignments []shared.Assignment

	courseBySlug  map[string][]string
	sectionBySlug map[string][]string
	studentByCode map[string][]string

	nextSeq int64
	dirty   map[Kind]map[string]bool
	pending []shared.Assignment
}

// NewResolver indexes a directory snapshot for a year
func NewResolver(year int, snap Snapshot) *Resolver {
	r := &Resolver{
		year:          year,
		now:           time.Now,
		courses:       make(map[string]shared.Course),
		sections:      make(map[string]shared.Section),
		students:      make(map[string]shared.Student),
		courseBySlug:  make(map[string][]string),
		sectionBySlug: make(map[string][]string),
		studentByCode: make(map[string][]string),
		dirty: map[Kind]map[string]bool{
			KindCourse:  {},
			KindSection: {},
			KindStudent: {},
		},
	}

	for _, c := range snap.Courses {
		r.putCourse(c)
	}
	for _, s := range snap.Sections {
		r.putSection(s)
	}
	for _, s := range snap.Students {
		r.putStudent(s)
	}
	r.assignments = append(r.assignments, snap.Assignments...)
	for _, a := range snap.Assignments {
		if a.Seq >= r.nextSeq {
			r.nextSeq = a.Seq + 1
		}
	}

	return r
}

// WithClock overrides the time source
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Year returns the namespace the resolver works in
func (r *Resolver) Year() int { return r.year }

// ============================================================================
// Lookups
// ============================================================================

// FindOrCreateByLabel resolves a course (scope ignored, the resolver is
// already year scoped) or a section (scope = course ID) by its normalized
// label, creating an AutoCreated entity with a deterministic ID when absent.
func (r *Resolver) FindOrCreateByLabel(kind Kind, label, scope string) (EntityRef, error) {
	slug := Slugify(label)
	if slug == "" {
		return EntityRef{}, fmt.Errorf("empty %s label", kind)
	}

	switch kind {
	case KindCourse:
		ids := r.courseBySlug[slug]
		if len(ids) > 1 {
			return EntityRef{}, r.ambiguous(kind, label, ids)
		}
		if len(ids) == 1 {
			return courseRef(r.courses[ids[0]]), nil
		}
		course := shared.Course{
			ID:          CourseID(r.year, slug),
			Name:        strings.TrimSpace(label),
			Slug:        slug,
			Year:        r.year,
			AutoCreated: true,
			CreatedAt:   r.now().UTC(),
		}
		r.putCourse(course)
		r.dirty[KindCourse][course.ID] = true
		return courseRef(course), nil

	case KindSection:
		if _, ok := r.courses[scope]; !ok {
			return EntityRef{}, fmt.Errorf("%w: course %s", ErrUnknownIdentifier, scope)
		}
		key := scope + "/" + slug
		ids := r.sectionBySlug[key]
		if len(ids) > 1 {
			return EntityRef{}, r.ambiguous(kind, label, ids)
		}
		if len(ids) == 1 {
			return sectionRef(r.sections[ids[0]]), nil
		}
		section := shared.Section{
			ID:          SectionID(scope, slug),
			CourseID:    scope,
			Name:        strings.ToUpper(strings.TrimSpace(label)),
			Slug:        slug,
			Year:        r.year,
			AutoCreated: true,
			CreatedAt:   r.now().UTC(),
		}
		r.putSection(section)
		r.dirty[KindSection][section.ID] = true
		return sectionRef(section), nil
	}

	return EntityRef{}, fmt.Errorf("labels cannot resolve %s entities", kind)
}

// ResolveCourse accepts a course UUID or a human label
func (r *Resolver) ResolveCourse(value string) (EntityRef, error) {
	value = strings.TrimSpace(value)
	if IsUUID(value) {
		c, ok := r.courses[strings.ToLower(value)]
		if !ok {
			return EntityRef{}, fmt.Errorf("%w: course %s", ErrUnknownIdentifier, value)
		}
		return courseRef(c), nil
	}
	return r.FindOrCreateByLabel(KindCourse, value, "")
}

// ResolveSection accepts a section UUID or a letter within a course
func (r *Resolver) ResolveSection(courseID, value string) (EntityRef, error) {
	value = strings.TrimSpace(value)
	if IsUUID(value) {
		s, ok := r.sections[strings.ToLower(value)]
		if !ok {
			return EntityRef{}, fmt.Errorf("%w: section %s", ErrUnknownIdentifier, value)
		}
		if s.CourseID != courseID {
			return EntityRef{}, fmt.Errorf("section %s belongs to course %s, not %s", s.ID, s.CourseID, courseID)
		}
		return sectionRef(s), nil
	}
	return r.FindOrCreateByLabel(KindSection, value, courseID)
}

// ResolveCompositeRef decodes "{courseId}-{sectionId}" and checks both halves exist
func (r *Resolver) ResolveCompositeRef(key string) (EntityRef, EntityRef, error) {
	ck, err := ResolveComposite(key)
	if err != nil {
		return EntityRef{}, EntityRef{}, err
	}
	course, err := r.ResolveCourse(ck.CourseID)
	if err != nil {
		return EntityRef{}, EntityRef{}, err
	}
	section, err := r.ResolveSection(course.ID, ck.SectionID)
	if err != nil {
		return EntityRef{}, EntityRef{}, err
	}
	return course, section, nil
}

// ResolveStudent finds a student by external code, creating one when absent.
// A missing display name is filled from the import, an existing one is kept.
func (r *Resolver) ResolveStudent(code, name string) (EntityRef, error) {
	code = NormalizeCode(code)
	if code == "" {
		return EntityRef{}, fmt.Errorf("empty student code")
	}
	name = strings.TrimSpace(name)

	ids := r.studentByCode[code]
	if len(ids) > 1 {
		return EntityRef{}, r.ambiguous(KindStudent, code, ids)
	}
	if len(ids) == 1 {
		s := r.students[ids[0]]
		if s.DisplayName == "" && name != "" {
			s.DisplayName = name
			s.UpdatedAt = r.now().UTC()
			r.students[s.ID] = s
			r.dirty[KindStudent][s.ID] = true
		}
		return studentRef(s), nil
	}

	student := shared.Student{
		ID:               StudentID(code),
		Code:             code,
		DisplayName:      name,
		Year:             r.year,
		Active:           true,
		ActiveCourseRefs: []shared.CourseSectionRef{},
		AutoCreated:      true,
		CreatedAt:        r.now().UTC(),
	}
	r.putStudent(student)
	r.dirty[KindStudent][student.ID] = true
	return studentRef(student), nil
}

// LookupCourse finds a course by UUID or unique label without creating one
func (r *Resolver) LookupCourse(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if IsUUID(value) {
		c, ok := r.courses[strings.ToLower(value)]
		return c.ID, ok
	}
	ids := r.courseBySlug[Slugify(value)]
	if len(ids) != 1 {
		return "", false
	}
	return ids[0], true
}

// LookupSection finds a section of a course by UUID or unique label without creating one
func (r *Resolver) LookupSection(courseID, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if IsUUID(value) {
		s, ok := r.sections[strings.ToLower(value)]
		return s.ID, ok && s.CourseID == courseID
	}
	ids := r.sectionBySlug[courseID+"/"+Slugify(value)]
	if len(ids) != 1 {
		return "", false
	}
	return ids[0], true
}

// Course returns a course by ID
func (r *Resolver) Course(id string) (shared.Course, bool) {
	c, ok := r.courses[id]
	return c, ok
}

// Section returns a section by ID
func (r *Resolver) Section(id string) (shared.Section, bool) {
	s, ok := r.sections[id]
	return s, ok
}

// Student returns a student by ID
func (r *Resolver) Student(id string) (shared.Student, bool) {
	s, ok := r.students[id]
	return s, ok
}

// CurrentSection returns the section of the current assignment, if any
func (r *Resolver) CurrentSection(studentID, courseID string) (string, bool) {
	current, _ := CurrentAssignment(r.assignments, studentID, courseID)
	if current == nil {
		return "", false
	}
	return current.SectionID, true
}

// History returns the assignments of a student in a course split into current and older
func (r *Resolver) History(studentID, courseID string) (*shared.Assignment, []shared.Assignment) {
	return CurrentAssignment(r.assignments, studentID, courseID)
}

// ============================================================================
// Assignments
// ============================================================================

// Assign makes sectionID the current section of the student in the course.
// When it already is, nothing changes. Otherwise a new history entry is
// appended; previous entries are kept.
func (r *Resolver) Assign(studentID, courseID, sectionID string) (shared.Assignment, bool, error) {
	student, ok := r.students[studentID]
	if !ok {
		return shared.Assignment{}, false, fmt.Errorf("%w: student %s", ErrUnknownIdentifier, studentID)
	}
	section, ok := r.sections[sectionID]
	if !ok {
		return shared.Assignment{}, false, fmt.Errorf("%w: section %s", ErrUnknownIdentifier, sectionID)
	}
	if section.CourseID != courseID {
		return shared.Assignment{}, false, fmt.Errorf("section %s belongs to course %s, not %s", sectionID, section.CourseID, courseID)
	}

	if current, _ := CurrentAssignment(r.assignments, studentID, courseID); current != nil && current.SectionID == sectionID {
		return *current, false, nil
	}

	at := r.now().UTC()
	a := shared.Assignment{
		ID:        AssignmentID(studentID, courseID, sectionID, at, r.nextSeq),
		StudentID: studentID,
		CourseID:  courseID,
		SectionID: sectionID,
		Year:      r.year,
		CreatedAt: at,
		Seq:       r.nextSeq,
	}
	r.nextSeq++
	r.assignments = append(r.assignments, a)
	r.pending = append(r.pending, a)

	student.ActiveCourseRefs = ActiveRefs(r.assignments, studentID)
	student.UpdatedAt = at
	r.students[studentID] = student
	r.dirty[KindStudent][studentID] = true

	return a, true, nil
}

// ============================================================================
// Change Tracking
// ============================================================================

// Pending returns entities created or changed since the last MarkPersisted
func (r *Resolver) Pending() Snapshot {
	var out Snapshot
	for _, id := range sortedKeys(r.dirty[KindCourse]) {
		out.Courses = append(out.Courses, r.courses[id])
	}
	for _, id := range sortedKeys(r.dirty[KindSection]) {
		out.Sections = append(out.Sections, r.sections[id])
	}
	for _, id := range sortedKeys(r.dirty[KindStudent]) {
		out.Students = append(out.Students, r.students[id])
	}
	out.Assignments = append(out.Assignments, r.pending...)
	return out
}

// MarkPersisted forgets pending changes
func (r *Resolver) MarkPersisted() {
	for kind := range r.dirty {
		r.dirty[kind] = make(map[string]bool)
	}
	r.pending = nil
}

// Snapshot returns the full directory, sorted by ID (assignments keep insertion order)
func (r *Resolver) Snapshot() Snapshot {
	var out Snapshot
	for _, id := range sortedKeys(r.courses) {
		out.Courses = append(out.Courses, r.courses[id])
	}
	for _, id := range sortedKeys(r.sections) {
		out.Sections = append(out.Sections, r.sections[id])
	}
	for _, id := range sortedKeys(r.students) {
		out.Students = append(out.Students, r.students[id])
	}
	out.Assignments = append(out.Assignments, r.assignments...)
	return out
}

// ============================================================================
// Helper Functions
// ============================================================================

func (r *Resolver) putCourse(c shared.Course) {
	if c.Slug == "" {
		c.Slug = Slugify(c.Name)
	}
	if _, exists := r.courses[c.ID]; !exists {
		r.courseBySlug[c.Slug] = append(r.courseBySlug[c.Slug], c.ID)
	}
	r.courses[c.ID] = c
}

func (r *Resolver) putSection(s shared.Section) {
	if s.Slug == "" {
		s.Slug = Slugify(s.Name)
	}
	if _, exists := r.sections[s.ID]; !exists {
		key := s.CourseID + "/" + s.Slug
		r.sectionBySlug[key] = append(r.sectionBySlug[key], s.ID)
	}
	r.sections[s.ID] = s
}

func (r *Resolver) putStudent(s shared.Student) {
	code := NormalizeCode(s.Code)
	if _, exists := r.students[s.ID]; !exists && code != "" {
		r.studentByCode[code] = append(r.studentByCode[code], s.ID)
	}
	r.students[s.ID] = s
}

func (r *Resolver) ambiguous(kind Kind, input string, ids []string) error {
	e := &AmbiguousIdentifierError{Kind: kind, Input: input}
	for _, id := range ids {
		switch kind {
		case KindCourse:
			e.Candidates = append(e.Candidates, courseRef(r.courses[id]))
		case KindSection:
			e.Candidates = append(e.Candidates, sectionRef(r.sections[id]))
		case KindStudent:
			e.Candidates = append(e.Candidates, studentRef(r.students[id]))
		}
	}
	return e
}

func courseRef(c shared.Course) EntityRef {
	return EntityRef{Kind: KindCourse, ID: c.ID, Name: c.Name, Slug: c.Slug, AutoCreated: c.AutoCreated}
}

func sectionRef(s shared.Section) EntityRef {
	return EntityRef{Kind: KindSection, ID: s.ID, Name: s.Name, Slug: s.Slug, AutoCreated: s.AutoCreated}
}

func studentRef(s shared.Student) EntityRef {
	return EntityRef{Kind: KindStudent, ID: s.ID, Name: s.DisplayName, Slug: s.Code, AutoCreated: s.AutoCreated}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
