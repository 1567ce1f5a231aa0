// Package blocks implements the block tree editor whose serialized form is the document content.
package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/xid"
)

const (
	TypeParagraph = "paragraph"
	TypeHeading   = "heading"
	TypeListItem  = "bulletListItem"
	inlineText    = "text"
	indentUnit    = "  "
)

// ErrMalformedContent indicates serialized content that is not a block tree.
var ErrMalformedContent = errors.New("blocks: malformed content")

// Inline is a run of styled text inside a block. Fields the editor does not model, such as
// a link's href, are kept in Extra and written back unchanged.
type Inline struct {
	Type   string
	Text   string
	Styles map[string]any
	Extra  map[string]json.RawMessage
}

// Block is one node of the document tree. Unmodelled fields survive in Extra.
type Block struct {
	ID       string
	Type     string
	Props    map[string]any
	Content  []Inline
	Children []Block
	Extra    map[string]json.RawMessage
}

func (i *Inline) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	*i = Inline{}
	if err := takeField(fields, "type", &i.Type); err != nil {
		return err
	}
	if err := takeField(fields, "text", &i.Text); err != nil {
		return err
	}
	if err := takeField(fields, "styles", &i.Styles); err != nil {
		return err
	}
	i.Extra = remaining(fields)
	return nil
}

func (i Inline) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(i.Extra, map[string]any{
		"type":   i.Type,
		"text":   i.Text,
		"styles": i.Styles,
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	*b = Block{}
	if err := takeField(fields, "id", &b.ID); err != nil {
		return err
	}
	if err := takeField(fields, "type", &b.Type); err != nil {
		return err
	}
	if err := takeField(fields, "props", &b.Props); err != nil {
		return err
	}
	if err := takeField(fields, "content", &b.Content); err != nil {
		return err
	}
	if err := takeField(fields, "children", &b.Children); err != nil {
		return err
	}
	b.Extra = remaining(fields)
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(b.Extra, map[string]any{
		"id":       b.ID,
		"type":     b.Type,
		"props":    b.Props,
		"content":  b.Content,
		"children": b.Children,
	})
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("expected an object")
	}
	return fields, nil
}

func takeField(fields map[string]json.RawMessage, key string, target any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func remaining(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// marshalWithExtra encodes known over extra. Keys come out sorted, so the encoding is
// stable across round trips.
func marshalWithExtra(extra map[string]json.RawMessage, known map[string]any) ([]byte, error) {
	merged := make(map[string]any, len(extra)+len(known))
	for key, value := range extra {
		merged[key] = value
	}
	for key, value := range known {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// PlainText concatenates the inline text of the block.
func (b Block) PlainText() string {
	var builder strings.Builder
	for _, inline := range b.Content {
		builder.WriteString(inline.Text)
	}
	return builder.String()
}

// Parse decodes serialized content. Empty content is an empty document.
func Parse(content string) ([]Block, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	var blocks []Block
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if err := validate(blocks, "/"); err != nil {
		return nil, err
	}
	return blocks, nil
}

func validate(blocks []Block, path string) error {
	for index, block := range blocks {
		if strings.TrimSpace(block.Type) == "" {
			return fmt.Errorf("%w: block %s%d has no type", ErrMalformedContent, path, index)
		}
		if err := validate(block.Children, fmt.Sprintf("%s%d/", path, index)); err != nil {
			return err
		}
	}
	return nil
}

// Serialize encodes blocks the way the editor stores them. An empty document is "".
func Serialize(blocks []Block) (string, error) {
	if len(blocks) == 0 {
		return "", nil
	}
	encoded, err := json.MarshalIndent(blocks, "", indentUnit)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// NewParagraph builds a paragraph block with a fresh id.
func NewParagraph(text string) Block {
	return newBlock(TypeParagraph, text, nil)
}

// NewHeading builds a heading block of the given level.
func NewHeading(text string, level int) Block {
	return newBlock(TypeHeading, text, map[string]any{"level": level})
}

func newBlock(blockType, text string, extraProps map[string]any) Block {
	props := map[string]any{
		"textColor":       "default",
		"backgroundColor": "default",
		"textAlignment":   "left",
	}
	for key, value := range extraProps {
		props[key] = value
	}
	var content []Inline
	if text != "" {
		content = []Inline{{Type: inlineText, Text: text, Styles: map[string]any{}}}
	}
	return Block{
		ID:       xid.New().String(),
		Type:     blockType,
		Props:    props,
		Content:  content,
		Children: []Block{},
	}
}

// Editor holds a block tree and notifies listeners about every change, including
// wholesale replacements.
type Editor struct {
	mu        sync.Mutex
	blocks    []Block
	listeners []func()
}

// NewEditor returns an editor over the serialized content.
func NewEditor(content string) (*Editor, error) {
	blocks, err := Parse(content)
	if err != nil {
		return nil, err
	}
	return &Editor{blocks: blocks}, nil
}

// OnChange registers a listener invoked after each mutation, outside the editor lock.
func (e *Editor) OnChange(listener func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Editor) Serialize() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Serialize(e.blocks)
}

// ReplaceContent swaps the whole tree. Malformed content leaves the editor untouched.
func (e *Editor) ReplaceContent(content string) error {
	blocks, err := Parse(content)
	if err != nil {
		return err
	}
	e.mutate(func() bool {
		e.blocks = blocks
		return true
	})
	return nil
}

// Blocks returns a copy of the top-level blocks.
func (e *Editor) Blocks() []Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Block(nil), e.blocks...)
}

// Append adds blocks at the end of the document.
func (e *Editor) Append(blocks ...Block) {
	e.mutate(func() bool {
		e.blocks = append(e.blocks, blocks...)
		return len(blocks) > 0
	})
}

// UpdateText replaces the text of the block with id. It reports whether the block exists.
func (e *Editor) UpdateText(blockID, text string) bool {
	return e.mutate(func() bool {
		return updateText(e.blocks, blockID, text)
	})
}

// Remove deletes the top-level block with id.
func (e *Editor) Remove(blockID string) bool {
	return e.mutate(func() bool {
		for index, block := range e.blocks {
			if block.ID == blockID {
				e.blocks = append(e.blocks[:index:index], e.blocks[index+1:]...)
				return true
			}
		}
		return false
	})
}

func updateText(blocks []Block, blockID, text string) bool {
	for index := range blocks {
		if blocks[index].ID == blockID {
			blocks[index].Content = []Inline{{Type: inlineText, Text: text, Styles: map[string]any{}}}
			return true
		}
		if updateText(blocks[index].Children, blockID, text) {
			return true
		}
	}
	return false
}

func (e *Editor) mutate(change func() bool) bool {
	e.mu.Lock()
	changed := change()
	listeners := append([]func(){}, e.listeners...)
	e.mu.Unlock()
	if !changed {
		return false
	}
	for _, listener := range listeners {
		listener()
	}
	return true
}
