package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutlineFillsIDs(t *testing.T) {
	raw := `{"title":"Ratios","sections":[
		{"id":"s1","title":" Intro ","units":[{"id":"","title":"Why"},{"id":"s1","title":"Clash"}]},
		{"title":"Practice","units":[{"id":"u9","title":"Drill"},{"id":"u9","title":"Again"}]}]}`

	outline, err := ParseOutline(raw)
	require.NoError(t, err)
	require.Len(t, outline.Sections, 2)

	assert.Equal(t, "Intro", outline.Sections[0].Title)
	assert.Equal(t, "s1-u1", outline.Sections[0].Units[0].ID)
	assert.Equal(t, "s1-u2", outline.Sections[0].Units[1].ID)
	assert.Equal(t, "s2", outline.Sections[1].ID)
	assert.Equal(t, "u9", outline.Sections[1].Units[0].ID)
	assert.Equal(t, "s2-u2", outline.Sections[1].Units[1].ID)
	assert.NotNil(t, outline.Sections[1].Units[1].ImageIdeas)
}

func TestParseOutlineRejectsEmpty(t *testing.T) {
	_, err := ParseOutline(`{"title":"x","sections":[]}`)
	assert.ErrorIs(t, err, ErrEmptyOutline)

	_, err = ParseOutline(`not json`)
	assert.Error(t, err)
}
