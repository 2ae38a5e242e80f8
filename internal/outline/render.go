package outline

import (
	"strings"

	"go.uber.org/zap"
)

// IndentWidth is the number of spaces per nesting level in rendered text.
const IndentWidth = 4

// Renderer converts outline trees into indented markdown-like text.
type Renderer struct {
	logger *zap.Logger
}

// NewRenderer builds a renderer that reports skipped nodes to logger.
func NewRenderer(logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{logger: logger}
}

// Render returns the text form of node with its first line at depth.
// Nodes of unknown kind are skipped together with their subtree.
func (r *Renderer) Render(node Node, depth int) string {
	var builder strings.Builder
	r.render(&builder, node, depth)
	return builder.String()
}

func (r *Renderer) render(builder *strings.Builder, node Node, depth int) {
	var line string
	switch node.Kind {
	case KindRoot:
		for _, child := range node.Children {
			r.render(builder, child, depth)
		}
		return
	case KindHeading:
		line = strings.Repeat("#", node.Level) + " " + node.Value
	case KindListItem:
		line = "- " + node.Value
	case KindBlock:
		line = node.Value
	default:
		r.logger.Warn("skipping outline node with unknown type",
			zap.String("node_id", node.ID),
			zap.String("type", string(node.Kind)))
		return
	}

	builder.WriteString(strings.Repeat(" ", IndentWidth*depth))
	builder.WriteString(line)
	builder.WriteByte('\n')
	for _, child := range node.Children {
		r.render(builder, child, depth+1)
	}
}

// Render renders node without logging skipped nodes.
func Render(node Node) string {
	return NewRenderer(nil).Render(node, 0)
}
