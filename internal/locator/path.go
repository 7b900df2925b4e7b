package locator

import (
	"strconv"
	"strings"
)

// NodeType mirrors the DOM nodeType constants.
type NodeType int

const (
	ElementNode               NodeType = 1
	AttributeNode             NodeType = 2
	TextNode                  NodeType = 3
	ProcessingInstructionNode NodeType = 7
	CommentNode               NodeType = 8
	DocumentNode              NodeType = 9
)

// SVGNamespace is the namespace URI of SVG elements.
const SVGNamespace = "http://www.w3.org/2000/svg"

// Segment describes one level of the walk from a node to the document.
// Index is the 1-based position of the node among its parent's children that
// share its nodeName, and Count is the size of that group.
type Segment struct {
	Type      NodeType `json:"type"`
	Name      string   `json:"name"`
	Namespace string   `json:"ns,omitempty"`
	Index     int      `json:"index"`
	Count     int      `json:"count"`
}

var xpathEscaper = strings.NewReplacer(":", `\:`, "*", `\*`)

// Path builds the XPath for a node from its segments, ordered from the node
// itself up to (but excluding) the document.
//
// Element steps carry a [n] predicate only when a parent has more than one
// same-named child. SVG elements contribute no step at all, which can make
// the path ambiguous when the node sits inside an SVG subtree.
func Path(segments []Segment) string {
	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		name := xpathEscaper.Replace(s.Name)
		switch s.Type {
		case ElementNode:
			if s.Namespace == SVGNamespace {
				continue
			}
			b.WriteString("/")
			b.WriteString(strings.ToLower(name))
			if s.Count > 1 {
				writeIndex(&b, s.Index)
			}
		case TextNode:
			b.WriteString("/text()")
			if s.Count > 1 {
				writeIndex(&b, s.Index)
			}
		case AttributeNode:
			b.WriteString("/@")
			b.WriteString(strings.ToLower(name))
		case CommentNode:
			b.WriteString("/comment()")
			writeIndex(&b, s.Index)
		case ProcessingInstructionNode:
			b.WriteString("/processing-instruction('")
			b.WriteString(name)
			b.WriteString("')")
		}
	}
	return ".//" + strings.TrimPrefix(b.String(), "/")
}

func writeIndex(b *strings.Builder, index int) {
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(index))
	b.WriteByte(']')
}
