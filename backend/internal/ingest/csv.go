// ============================================================================
// backend/internal/ingest/csv.go
// Tabular grade import: header aliases, row parsing and validation
// ============================================================================

package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/shared"
)

// Canonical column fields
const (
	FieldName    = "name"
	FieldID      = "id"
	FieldScore   = "score"
	FieldDate    = "date"
	FieldCourse  = "course"
	FieldSection = "section"
	FieldSubject = "subject"
	FieldType    = "type"
)

// DefaultAliases maps each field to the header names that select it.
// Headers are compared after HeaderKey normalization.
var DefaultAliases = map[string][]string{
	FieldName:    {"nombre", "student", "studentname", "estudiante", "name"},
	FieldID:      {"rut", "studentid", "id", "codigo"},
	FieldScore:   {"nota", "score", "calificacion"},
	FieldDate:    {"fecha", "date", "gradedat"},
	FieldCourse:  {"curso", "course", "courseid"},
	FieldSection: {"seccion", "section", "letra", "sectionid"},
	FieldSubject: {"asignatura", "subject", "materia", "subjectid"},
	FieldType:    {"tipo", "type"},
}

// RequiredFields must be present in the header and non-empty in every row
var RequiredFields = []string{FieldID, FieldScore, FieldCourse, FieldDate}

// ErrMissingColumns is returned when the header lacks a required field
var ErrMissingColumns = errors.New("missing required columns")

// ValidationError is a row-level problem. It excludes the row and never
// aborts the import.
type ValidationError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return fmt.Sprintf("row %d (%s): %s", e.Row, e.Field, e.Message)
}

// GradeRow is one parsed, validated data row. Row is 1-based and excludes
// the header.
type GradeRow struct {
	Row         int
	StudentCode string  `validate:"required"`
	StudentName string  `validate:"max=200"`
	Score       float64 `validate:"gte=0,lte=100"`
	Course      string  `validate:"required"`
	Type        string  `validate:"required,oneof=tarea prueba evaluacion"`
	Section     string
	Subject     string
	GradedAt    time.Time
}

var validate = validator.New()

// Parser reads grade CSV files
type Parser struct {
	aliases map[string]string // header key -> field
}

// NewParser merges extra aliases (from configuration) into the defaults
func NewParser(extra map[string][]string) *Parser {
	p := &Parser{aliases: make(map[string]string)}
	for field, names := range DefaultAliases {
		for _, name := range names {
			p.aliases[ident.HeaderKey(name)] = field
		}
	}
	for field, names := range extra {
		for _, name := range names {
			p.aliases[ident.HeaderKey(name)] = field
		}
	}
	return p
}

// ParseGradesCSV is a convenience wrapper around a Parser with default aliases
func ParseGradesCSV(r io.Reader) ([]GradeRow, []ValidationError, error) {
	return NewParser(nil).Parse(r)
}

// Parse returns the valid rows and the row-level errors. Only an unreadable
// source or an unusable header is returned as an error.
func (p *Parser) Parse(r io.Reader) ([]GradeRow, []ValidationError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns, err := p.mapHeader(header)
	if err != nil {
		return nil, nil, err
	}

	var rows []GradeRow
	var errs []ValidationError
	for rowNum := 1; ; rowNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			errs = append(errs, ValidationError{Row: rowNum, Message: "malformed row: " + parseErr.Err.Error()})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", rowNum, err)
		}
		if blank(record) {
			continue
		}

		row, verr := parseRow(rowNum, columns, record)
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		rows = append(rows, row)
	}

	return rows, errs, nil
}

// mapHeader returns the column index of each recognized field. The first
// matching column wins.
func (p *Parser) mapHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int)
	for i, h := range header {
		field, ok := p.aliases[ident.HeaderKey(h)]
		if !ok {
			continue
		}
		if _, seen := columns[field]; !seen {
			columns[field] = i
		}
	}

	var missing []string
	for _, field := range RequiredFields {
		if _, ok := columns[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return columns, nil
}

func parseRow(rowNum int, columns map[string]int, record []string) (GradeRow, *ValidationError) {
	get := func(field string) string {
		i, ok := columns[field]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for _, field := range RequiredFields {
		if get(field) == "" {
			return GradeRow{}, &ValidationError{Row: rowNum, Field: field, Message: "missing required field: " + field}
		}
	}

	score, ok := ParseScore(get(FieldScore))
	if !ok {
		return GradeRow{}, &ValidationError{Row: rowNum, Field: FieldScore, Message: "invalid score"}
	}

	gradedAt, err := ParseDate(get(FieldDate))
	if err != nil {
		return GradeRow{}, &ValidationError{Row: rowNum, Field: FieldDate, Message: "invalid date"}
	}

	gradeType := ident.Slugify(get(FieldType))
	if gradeType == "" {
		gradeType = shared.GradeTypeEvaluacion
	}

	row := GradeRow{
		Row:         rowNum,
		StudentCode: ident.NormalizeCode(get(FieldID)),
		StudentName: get(FieldName),
		Score:       score,
		GradedAt:    gradedAt,
		Course:      get(FieldCourse),
		Section:     get(FieldSection),
		Subject:     get(FieldSubject),
		Type:        gradeType,
	}

	if err := validate.Struct(row); err != nil {
		return GradeRow{}, validationFailure(rowNum, err)
	}
	return row, nil
}

// validationFailure turns the first validator failure into a row error
func validationFailure(rowNum int, err error) *ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Row: rowNum, Message: err.Error()}
	}

	fe := fieldErrs[0]
	switch fe.Field() {
	case "Type":
		return &ValidationError{Row: rowNum, Field: FieldType, Message: "invalid type"}
	case "Score":
		return &ValidationError{Row: rowNum, Field: FieldScore, Message: "invalid score"}
	case "StudentCode":
		return &ValidationError{Row: rowNum, Field: FieldID, Message: "missing required field: " + FieldID}
	case "Course":
		return &ValidationError{Row: rowNum, Field: FieldCourse, Message: "missing required field: " + FieldCourse}
	}
	return &ValidationError{Row: rowNum, Field: strings.ToLower(fe.Field()), Message: fmt.Sprintf("failed %s check", fe.Tag())}
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
