package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxErrorDetailRunes bounds the failure text persisted on a session.
const MaxErrorDetailRunes = 2000

// Session is the root aggregate driven through the creation pipeline.
type Session struct {
	ID                 int64         `db:"id" json:"id"`
	OwnerID            string        `db:"owner_id" json:"owner_id"`
	Title              string        `db:"title" json:"title"`
	Description        string        `db:"description" json:"description"`
	Level              string        `db:"level" json:"level"`
	Duration           string        `db:"duration" json:"duration"`
	Kind               PipelineKind  `db:"kind" json:"kind"`
	Status             SessionStatus `db:"status" json:"status"`
	ClientRequestID    *string       `db:"client_request_id" json:"client_request_id,omitempty"`
	MediaKey           *string       `db:"media_key" json:"-"`
	MediaMIME          *string       `db:"media_mime" json:"media_mime,omitempty"`
	MediaFilename      *string       `db:"media_filename" json:"media_filename,omitempty"`
	TranscriptMarkdown string        `db:"transcript_markdown" json:"transcript_markdown"`
	StructureJSON      string        `db:"structure_json" json:"structure_json"`
	RecapMarkdown      string        `db:"recap_markdown" json:"recap_markdown"`
	ExamPrepJSON       string        `db:"exam_prep_json" json:"exam_prep_json"`
	LLMProvider        string        `db:"llm_provider" json:"llm_provider"`
	LLMModel           string        `db:"llm_model" json:"llm_model"`
	ErrorDetail        string        `db:"error_detail" json:"-"`
	IsPublished        bool          `db:"is_published" json:"is_published"`
	PublishedAt        *time.Time    `db:"published_at" json:"published_at,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// PrimaryArtefact returns the artefact that must be present before publication.
func (s *Session) PrimaryArtefact() string {
	if s.Kind == KindExamPrep {
		return s.ExamPrepJSON
	}
	return s.StructureJSON
}

// ArtefactFor returns the text artefact stored in column.
func (s *Session) ArtefactFor(column ArtefactColumn) string {
	switch column {
	case ArtefactTranscript:
		return s.TranscriptMarkdown
	case ArtefactStructure:
		return s.StructureJSON
	case ArtefactRecap:
		return s.RecapMarkdown
	case ArtefactExamPrep:
		return s.ExamPrepJSON
	default:
		return ""
	}
}

// ArtefactColumn names a session column holding a stage artefact.
type ArtefactColumn string

const (
	ArtefactNone       ArtefactColumn = ""
	ArtefactTranscript ArtefactColumn = "transcript_markdown"
	ArtefactStructure  ArtefactColumn = "structure_json"
	ArtefactRecap      ArtefactColumn = "recap_markdown"
	ArtefactExamPrep   ArtefactColumn = "exam_prep_json"
)

// Valid reports whether the column may be written by a stage.
func (c ArtefactColumn) Valid() bool {
	switch c {
	case ArtefactTranscript, ArtefactStructure, ArtefactRecap, ArtefactExamPrep:
		return true
	default:
		return false
	}
}

// BoundErrorDetail trims failure text to MaxErrorDetailRunes and never returns an empty string.
func BoundErrorDetail(detail string) string {
	if detail == "" {
		return "processing failed"
	}
	if utf8.RuneCountInString(detail) <= MaxErrorDetailRunes {
		return detail
	}
	runes := []rune(detail)
	return string(runes[:MaxErrorDetailRunes])
}

// StringList persists a list of strings as a JSONB array.
type StringList []string

// Value marshals the list to JSON for persistence.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON array column.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	*l = out
	return nil
}

// SessionPatch carries the teacher-editable fields; nil fields are left unchanged.
type SessionPatch struct {
	Title         *string
	Description   *string
	Level         *string
	Duration      *string
	StructureJSON *string
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Level == nil && p.Duration == nil && p.StructureJSON == nil
}

// StatusCount is one bucket of the session status histogram.
type StatusCount struct {
	Kind   PipelineKind  `db:"kind" json:"kind"`
	Status SessionStatus `db:"status" json:"status"`
	Total  int           `db:"total" json:"total"`
}
