package outline

import (
	"context"
	"strings"
)

// LineSource yields generated outline lines one at a time.
// Next returns ok=false once the source is exhausted.
type LineSource interface {
	Next(ctx context.Context) (line string, ok bool, err error)
	Close() error
}

// IDSource issues identifiers for parsed nodes.
type IDSource interface {
	NewID() (string, error)
}

// Update places Item under the node addressed by Path inside the top-level entry at Index.
type Update struct {
	Index int      `json:"index"`
	Path  []string `json:"path"`
	Item  Node     `json:"item"`
}

// LineParser turns a sequence of indented outline lines into nested nodes.
// Each parser keeps the nesting state of one generated stream.
type LineParser struct {
	ids            IDSource
	index          int
	indentLevelIDs []string
}

// NewLineParser starts a parser whose first top-level line lands at startIndex.
func NewLineParser(ids IDSource, startIndex int) *LineParser {
	return &LineParser{
		ids:   ids,
		index: startIndex - 1,
	}
}

// Parse classifies one line. ok is false for lines that carry no content.
func (p *LineParser) Parse(raw string) (update Update, ok bool, err error) {
	line := strings.TrimRight(raw, " \t\r\n")
	level, text := splitIndent(line)
	if isNoise(text) {
		return Update{}, false, nil
	}

	if level > len(p.indentLevelIDs) {
		level = len(p.indentLevelIDs)
	}

	id, err := p.ids.NewID()
	if err != nil {
		return Update{}, false, err
	}

	node := classify(text)
	node.ID = id
	node.Children = []Node{}

	if level == 0 {
		p.index++
	}
	path := append([]string{}, p.indentLevelIDs[:level]...)
	p.indentLevelIDs = append(p.indentLevelIDs[:level], id)

	return Update{Index: p.index, Path: path, Item: node}, true, nil
}

// Stream pulls every line from source, emitting one update per content line.
// The source is not read ahead: each update is handed to emit before the next line is requested.
func (p *LineParser) Stream(ctx context.Context, source LineSource, emit func(Update) error) error {
	for {
		line, ok, err := source.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		update, hasContent, err := p.Parse(line)
		if err != nil {
			return err
		}
		if !hasContent {
			continue
		}
		if err := emit(update); err != nil {
			return err
		}
	}
}

func splitIndent(line string) (int, string) {
	spaces := 0
	offset := 0
	for offset < len(line) {
		switch line[offset] {
		case ' ':
			spaces++
		case '\t':
			spaces += IndentWidth
		default:
			return spaces / IndentWidth, line[offset:]
		}
		offset++
	}
	return spaces / IndentWidth, ""
}

func classify(text string) Node {
	switch {
	case strings.HasPrefix(text, "- "):
		return Node{Kind: KindListItem, Value: strings.TrimSpace(text[2:])}
	case strings.HasPrefix(text, "#"):
		value := strings.TrimLeft(text, "#")
		return Node{Kind: KindHeading, Level: len(text) - len(value), Value: strings.TrimSpace(value)}
	default:
		return Node{Kind: KindBlock, Value: text}
	}
}

// isNoise matches lines models wrap their outline in: blanks, code fences and bare brackets.
func isNoise(text string) bool {
	switch strings.TrimSpace(text) {
	case "", "[", "]", "],":
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(text), "```")
}
