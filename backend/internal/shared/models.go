// ============================================================================
// backend/internal/shared/models.go
// Canonical data models shared by the cache, the remote store and the engine
// ============================================================================

package shared

import (
	"fmt"
	"time"
)

// ============================================================================
// Directory Models
// ============================================================================

// CourseSectionRef points at the section a student currently attends in a course
type CourseSectionRef struct {
	CourseID  string `bson:"course_id" json:"course_id"`
	SectionID string `bson:"section_id" json:"section_id"`
}

// Student is never hard-deleted, only deactivated
type Student struct {
	ID               string             `bson:"_id" json:"id"`
	Code             string             `bson:"code" json:"code"` // external identifier, e.g. RUT
	DisplayName      string             `bson:"display_name" json:"display_name"`
	Year             int                `bson:"year" json:"year"`
	Active           bool               `bson:"active" json:"active"`
	ActiveCourseRefs []CourseSectionRef `bson:"active_course_refs" json:"active_course_refs"`
	AutoCreated      bool               `bson:"auto_created,omitempty" json:"auto_created,omitempty"`
	CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Course is identified by a UUID that is stable within a year namespace.
// Name is a human label and is not unique across years.
type Course struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Slug        string    `bson:"slug" json:"slug"`
	Year        int       `bson:"year" json:"year"`
	AutoCreated bool      `bson:"auto_created,omitempty" json:"auto_created,omitempty"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// Section is unique by (CourseID, Name)
type Section struct {
	ID          string    `bson:"_id" json:"id"`
	CourseID    string    `bson:"course_id" json:"course_id"`
	Name        string    `bson:"name" json:"name"` // single letter
	Slug        string    `bson:"slug" json:"slug"`
	Year        int       `bson:"year" json:"year"`
	AutoCreated bool      `bson:"auto_created,omitempty" json:"auto_created,omitempty"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// Assignment places a student in a course section. Several assignments for the
// same (StudentID, CourseID) form a migration history; Seq records insertion order.
type Assignment struct {
	ID        string    `bson:"_id" json:"id"`
	StudentID string    `bson:"student_id" json:"student_id"`
	CourseID  string    `bson:"course_id" json:"course_id"`
	SectionID string    `bson:"section_id" json:"section_id"`
	Year      int       `bson:"year" json:"year"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Seq       int64     `bson:"seq" json:"seq"`
}

// ============================================================================
// Remote-Owned Models
// ============================================================================

// Grade is owned by the remote store and sharded under its course.
// StudentName and CourseName are denormalized copies for fast reads.
type Grade struct {
	ID          string    `bson:"_id" json:"id"`
	StudentID   string    `bson:"student_id" json:"student_id"`
	CourseID    string    `bson:"course_id" json:"course_id"`
	SectionID   string    `bson:"section_id" json:"section_id"`
	SubjectID   string    `bson:"subject_id" json:"subject_id"`
	Score       float64   `bson:"score" json:"score"`
	GradedAt    time.Time `bson:"graded_at" json:"graded_at"`
	Type        string    `bson:"type" json:"type"`
	Year        int       `bson:"year" json:"year"`
	StudentName string    `bson:"student_name,omitempty" json:"student_name,omitempty"`
	CourseName  string    `bson:"course_name,omitempty" json:"course_name,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Activity is an evaluated activity definition sharded under its course
type Activity struct {
	ID        string    `bson:"_id" json:"id"`
	CourseID  string    `bson:"course_id" json:"course_id"`
	SubjectID string    `bson:"subject_id" json:"subject_id"`
	Title     string    `bson:"title" json:"title"`
	Type      string    `bson:"type" json:"type"`
	Year      int       `bson:"year" json:"year"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// ============================================================================
// Constants
// ============================================================================

const (
	// Collections
	CollectionStudents    = "students"
	CollectionCourses     = "courses"
	CollectionSections    = "sections"
	CollectionAssignments = "assignments"
	CollectionGrades      = "grades"
	CollectionAttendance  = "attendance"
	CollectionActivities  = "activities"

	// Grade types
	GradeTypeTarea      = "tarea"
	GradeTypePrueba     = "prueba"
	GradeTypeEvaluacion = "evaluacion"

	// Score bounds
	MinScore = 0
	MaxScore = 100
)

// CachedCollections lists the collections materialized in the cache for a namespace
var CachedCollections = []string{
	CollectionStudents,
	CollectionCourses,
	CollectionSections,
	CollectionAssignments,
	CollectionGrades,
}

// ShardedCollections lists the collections stored under course/{courseId}/...
var ShardedCollections = []string{
	CollectionGrades,
	CollectionAttendance,
	CollectionActivities,
}

// IsValidGradeType checks a grade type against the enum
func IsValidGradeType(t string) bool {
	switch t {
	case GradeTypeTarea, GradeTypePrueba, GradeTypeEvaluacion:
		return true
	}
	return false
}

// NamespaceKey builds the cache key for a collection in a year namespace
func NamespaceKey(collection string, year int) string {
	return fmt.Sprintf("%s-%d", collection, year)
}
