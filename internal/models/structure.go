package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Section is one row of the normalised structure outline.
type Section struct {
	ID         int64  `db:"id" json:"id"`
	SessionID  int64  `db:"session_id" json:"session_id"`
	ExternalID string `db:"external_id" json:"external_id"`
	Order      int    `db:"ord" json:"order"`
	Title      string `db:"title" json:"title"`
}

// Unit belongs to a section and carries the authored lesson content.
type Unit struct {
	ID              int64      `db:"id" json:"id"`
	SessionID       int64      `db:"session_id" json:"session_id"`
	SectionID       int64      `db:"section_id" json:"section_id"`
	ExternalID      string     `db:"external_id" json:"external_id"`
	Order           int        `db:"ord" json:"order"`
	Title           string     `db:"title" json:"title"`
	MerrillType     string     `db:"merrill_type" json:"merrill_type"`
	SourceMarkdown  string     `db:"source_markdown" json:"source_markdown"`
	ContentMarkdown string     `db:"content_markdown" json:"content_markdown"`
	ImageIdeas      StringList `db:"image_ideas" json:"image_ideas"`
}

// Outline is the parsed projection of a session's structure JSON.
type Outline struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// OutlineSection is a section in document order with its units.
type OutlineSection struct {
	ID    string        `json:"id"`
	Title string        `json:"title"`
	Units []OutlineUnit `json:"units"`
}

// OutlineUnit is a unit entry of an outline section.
type OutlineUnit struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	MerrillType     string   `json:"merrill_type"`
	SourceMarkdown  string   `json:"source_markdown"`
	ContentMarkdown string   `json:"content_markdown"`
	ImageIdeas      []string `json:"image_ideas"`
}

// Prerequisite is an ordered concept the learner needs before the lecture.
type Prerequisite struct {
	ID           int64  `db:"id" json:"id"`
	SessionID    int64  `db:"session_id" json:"session_id"`
	Order        int    `db:"ord" json:"order"`
	Name         string `db:"name" json:"name"`
	TeachingText string `db:"teaching_text" json:"teaching_text"`
}

// ErrEmptyOutline is returned when a structure document has no sections.
var ErrEmptyOutline = errors.New("structure has no sections")

// ParseOutline decodes a structure JSON document and fills missing or duplicate ids.
func ParseOutline(raw string) (Outline, error) {
	var outline Outline
	if err := json.Unmarshal([]byte(raw), &outline); err != nil {
		return Outline{}, fmt.Errorf("decode structure: %w", err)
	}
	outline.Normalize()
	if len(outline.Sections) == 0 {
		return Outline{}, ErrEmptyOutline
	}
	return outline, nil
}

// Normalize assigns s<n> / s<n>-u<m> ids where they are blank or already taken
// and trims titles. Ids are compared across sections and units of one outline.
func (o *Outline) Normalize() {
	seen := make(map[string]struct{})
	claim := func(id, fallback string) string {
		id = strings.TrimSpace(id)
		if _, taken := seen[id]; id == "" || taken {
			id = fallback
			for k := 2; ; k++ {
				if _, taken := seen[id]; !taken {
					break
				}
				id = fmt.Sprintf("%s-%d", fallback, k)
			}
		}
		seen[id] = struct{}{}
		return id
	}
	for i := range o.Sections {
		section := &o.Sections[i]
		section.ID = claim(section.ID, fmt.Sprintf("s%d", i+1))
		section.Title = strings.TrimSpace(section.Title)
		for j := range section.Units {
			unit := &section.Units[j]
			unit.ID = claim(unit.ID, fmt.Sprintf("%s-u%d", section.ID, j+1))
			unit.Title = strings.TrimSpace(unit.Title)
			if unit.ImageIdeas == nil {
				unit.ImageIdeas = []string{}
			}
		}
	}
}
