package locator

import (
	"strings"

	"golang.org/x/net/html"
)

// nodeName returns the DOM nodeName of a parsed node.
func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		if n.Namespace == "" {
			return strings.ToUpper(n.Data)
		}
		return n.Data
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	case html.DoctypeNode:
		return n.Data
	default:
		return ""
	}
}

func nodeType(n *html.Node) NodeType {
	switch n.Type {
	case html.ElementNode:
		return ElementNode
	case html.TextNode:
		return TextNode
	case html.CommentNode:
		return CommentNode
	case html.DocumentNode:
		return DocumentNode
	default:
		return 0
	}
}

func namespaceURI(n *html.Node) string {
	switch n.Namespace {
	case "svg":
		return SVGNamespace
	case "math":
		return "http://www.w3.org/1998/Math/MathML"
	default:
		return ""
	}
}

// Segments walks from n to the document and describes each level.
func Segments(n *html.Node) []Segment {
	var segs []Segment
	for cur := n; cur != nil && cur.Parent != nil; cur = cur.Parent {
		name := nodeName(cur)
		seg := Segment{
			Type:      nodeType(cur),
			Name:      name,
			Namespace: namespaceURI(cur),
		}
		for sib := cur.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
			if nodeName(sib) != name {
				continue
			}
			seg.Count++
			if sib == cur {
				seg.Index = seg.Count
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

// Attr returns the value of the named attribute, or "" if absent.
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Compute builds the locator for a parsed node.
func Compute(n *html.Node) Locator {
	if n == nil {
		return Locator{}
	}
	var classes []string
	if n.Type == html.ElementNode {
		classes = strings.Fields(Attr(n, "class"))
	}
	var id string
	if n.Type == html.ElementNode {
		id = Attr(n, "id")
	}
	return New(id, classes, Segments(n))
}

// Resolve finds the node a locator refers to within doc, trying each
// strategy in Strategies order. It returns nil when nothing matches.
func Resolve(doc *html.Node, l Locator) *html.Node {
	for _, s := range l.Strategies() {
		if n := resolveWith(doc, l, s); n != nil {
			return n
		}
	}
	return nil
}

func resolveWith(doc *html.Node, l Locator, s Strategy) *html.Node {
	switch s {
	case ByXPath:
		x, err := CompileXPath(l.XPath)
		if err != nil {
			return nil
		}
		return x.First(doc)
	case ByID:
		return findFirst(doc, func(n *html.Node) bool {
			return n.Type == html.ElementNode && Attr(n, "id") == l.ID
		})
	case ByClassName:
		want := l.Classes()
		if len(want) == 0 {
			return nil
		}
		return findFirst(doc, func(n *html.Node) bool {
			return n.Type == html.ElementNode && hasClasses(n, want)
		})
	default:
		return nil
	}
}

func hasClasses(n *html.Node, want []string) bool {
	have := strings.Fields(Attr(n, "class"))
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// findFirst returns the first node in document order matching fn.
func findFirst(root *html.Node, fn func(*html.Node) bool) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if fn(c) {
			return c
		}
		if n := findFirst(c, fn); n != nil {
			return n
		}
	}
	return nil
}
