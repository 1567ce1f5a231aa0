package blocks

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTripsSerializedContent(t *testing.T) {
	original := []Block{NewHeading("Title", 1), NewParagraph("hello")}
	serialized, err := Serialize(original)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(serialized, "[\n  {"), "expected two-space indented output")

	parsed, err := Parse(serialized)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "Title", parsed[0].PlainText())
	assert.Equal(t, TypeParagraph, parsed[1].Type)

	again, err := Serialize(parsed)
	require.NoError(t, err)
	assert.Equal(t, serialized, again)
}

func TestSerializeKeepsFieldsTheEditorDoesNotModel(t *testing.T) {
	foreign := `[{"id":"a","type":"paragraph","props":{"textColor":"red"},"backgroundTheme":"dark",` +
		`"content":[{"type":"link","href":"https://example.com","text":"hi","styles":{"textColor":"blue","bold":true}}],"children":[]}]`

	parsed, err := Parse(foreign)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "hi", parsed[0].PlainText())
	assert.Equal(t, "blue", parsed[0].Content[0].Styles["textColor"])

	serialized, err := Serialize(parsed)
	require.NoError(t, err)
	assert.Contains(t, serialized, `"href": "https://example.com"`)
	assert.Contains(t, serialized, `"backgroundTheme": "dark"`)
	assert.Contains(t, serialized, `"textColor": "blue"`)

	reparsed, err := Parse(serialized)
	require.NoError(t, err)
	again, err := Serialize(reparsed)
	require.NoError(t, err)
	assert.Equal(t, serialized, again, "a second round trip must be byte-identical")
}

func TestParseEmptyContentIsEmptyDocument(t *testing.T) {
	parsed, err := Parse("  ")
	require.NoError(t, err)
	assert.Empty(t, parsed)

	serialized, err := Serialize(nil)
	require.NoError(t, err)
	assert.Equal(t, "", serialized)
}

func TestParseRejectsMalformedContent(t *testing.T) {
	for _, content := range []string{"{not json", `{"type":"paragraph"}`, `[{"id":"a"}]`, `[{"type":"p","children":[{"id":"x"}]}]`} {
		_, err := Parse(content)
		assert.Truef(t, errors.Is(err, ErrMalformedContent), "expected malformed error for %q, got %v", content, err)
	}
}

func TestEditorNotifiesOnChange(t *testing.T) {
	editor, err := NewEditor("")
	require.NoError(t, err)

	notifications := 0
	editor.OnChange(func() { notifications++ })

	paragraph := NewParagraph("draft")
	editor.Append(paragraph)
	assert.True(t, editor.UpdateText(paragraph.ID, "final"))
	assert.False(t, editor.UpdateText("missing", "ignored"))
	assert.Equal(t, 2, notifications)

	serialized, err := editor.Serialize()
	require.NoError(t, err)
	assert.Contains(t, serialized, `"text": "final"`)
}

func TestEditorReplaceContentKeepsTreeOnMalformedInput(t *testing.T) {
	editor, err := NewEditor("")
	require.NoError(t, err)
	editor.Append(NewParagraph("keep me"))
	before, err := editor.Serialize()
	require.NoError(t, err)

	err = editor.ReplaceContent("[oops")
	require.ErrorIs(t, err, ErrMalformedContent)

	after, err := editor.Serialize()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEditorRemove(t *testing.T) {
	editor, err := NewEditor("")
	require.NoError(t, err)
	first, second := NewParagraph("one"), NewParagraph("two")
	editor.Append(first, second)

	assert.True(t, editor.Remove(first.ID))
	blocks := editor.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, second.ID, blocks[0].ID)
}
