package jsonsalvage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFencedLaTeXWithTrailingComma(t *testing.T) {
	raw := "Here is your JSON: ```json\n{\"a\": \"\\text{x}\", \"b\": 1,}\n```"

	value, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": `\text{x}`, "b": float64(1)}, value)
}

func TestDecodeRoundTripsWithPadding(t *testing.T) {
	doc := map[string]interface{}{
		"title": "Photosynthesis",
		"units": []interface{}{
			map[string]interface{}{"id": "u1", "order": float64(1)},
			map[string]interface{}{"id": "u2", "order": float64(2)},
		},
		"note": "line one\nline two",
	}
	encoded, err := json.Marshal(doc)
	require.NoError(t, err)

	for _, raw := range []string{
		string(encoded),
		"Sure, here it is:\n" + string(encoded) + "\nLet me know if you need anything else.",
		"```json\n" + string(encoded) + "\n```",
		"\ufeff  " + string(encoded) + "  ",
	} {
		value, err := Decode(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, doc, value, raw)
	}
}

func TestDecodeRepairsControlCharactersAndBackslashes(t *testing.T) {
	raw := "{\"text\": \"first line\nsecond\tline\", \"path\": \"C:\\data\\q\"}"

	value, err := Decode(raw)
	require.NoError(t, err)
	obj := value.(map[string]interface{})
	assert.Equal(t, "first line\nsecond\tline", obj["text"])
	assert.Equal(t, `C:\data\q`, obj["path"])
}

func TestDecodeJoinsSplitNumbers(t *testing.T) {
	value, err := Decode("{\"score\": 3\n.5, \"ratio\": 0.\n25}")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"score": 3.5, "ratio": 0.25}, value)
}

func TestDecodeSmartQuotes(t *testing.T) {
	value, err := Decode("{“name”: “Ali”}")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Ali"}, value)
}

func TestDecodePrefersLargestBlock(t *testing.T) {
	raw := `first {"a": 1} then {"b": {"c": [1, 2, 3]}, "d": "long"}`

	value, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"b": map[string]interface{}{"c": []interface{}{float64(1), float64(2), float64(3)}},
		"d": "long",
	}, value)
}

func TestDecodeArray(t *testing.T) {
	value, err := Decode(`Prerequisites: ["fractions", "ratios",]`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"fractions", "ratios"}, value)
}

func TestDecodeNothingRecoverable(t *testing.T) {
	for _, raw := range []string{"", "   ", "no json here", "{unterminated", "42"} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrNoJSON, raw)
	}
}

func TestEscapeLaTeXOnlyTouchesRawBackslashes(t *testing.T) {
	assert.Equal(t, `{"a":"tab\there"}`, escapeLaTeX(`{"a":"tab\there"}`))
	assert.Equal(t, `{"a":"$x \\times y$"}`, escapeLaTeX(`{"a":"$x \times y$"}`))
	assert.Equal(t, `{"a":"$\\frac{1}{2}$\nnext line"}`, escapeLaTeX(`{"a":"$\frac{1}{2}$\nnext line"}`))
	assert.Equal(t, `{"a":"\\text{x}","b":"\\text{y}"}`, escapeLaTeX(`{"a":"\\text{x}","b":"\text{y}"}`))
}

func TestDecodeKeepsRealControlCharactersNextToLaTeX(t *testing.T) {
	// A literal newline before "e" and a literal tab before "o" are text, not \ne and \to.
	raw := "{\"a\": \"$x$ first\ne\", \"b\": \"{y}\to\"}"

	value, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": "$x$ first\ne", "b": "{y}\to"}, value)
}

func TestDecodeRoundTripsControlCharactersInLaTeXStrings(t *testing.T) {
	doc := map[string]interface{}{"a": "$x$\tab", "b": "\\frac{1}{2}"}
	encoded, err := json.Marshal(doc)
	require.NoError(t, err)

	value, err := Decode("Result:\n" + string(encoded) + "\nDone.")
	require.NoError(t, err)
	assert.Equal(t, doc, value)
}
