package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"ghostclick/internal/locator"
)

// StaticDocument is a Document over a parsed HTML snapshot. Actions mutate
// the tree where they have a DOM effect and are recorded in order, which
// makes it usable for dry runs.
type StaticDocument struct {
	root *html.Node

	mu      sync.Mutex
	actions []string
}

// ParseStatic parses an HTML snapshot.
func ParseStatic(src string) (*StaticDocument, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return NewStaticDocument(root), nil
}

func NewStaticDocument(root *html.Node) *StaticDocument {
	return &StaticDocument{root: root}
}

// Root returns the underlying tree.
func (d *StaticDocument) Root() *html.Node { return d.root }

// Actions returns the recorded actions.
func (d *StaticDocument) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *StaticDocument) record(format string, args ...any) {
	d.mu.Lock()
	d.actions = append(d.actions, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *StaticDocument) Resolve(_ context.Context, target locator.Locator) (Element, error) {
	n := locator.Resolve(d.root, target)
	if n == nil {
		return nil, ErrElementNotFound
	}
	return &staticElement{doc: d, node: n}, nil
}

type staticElement struct {
	doc  *StaticDocument
	node *html.Node
}

var textInputTypes = map[string]bool{
	"": true, "text": true, "search": true, "email": true, "url": true,
	"tel": true, "password": true, "number": true,
}

func (e *staticElement) Info(context.Context) (ElementInfo, error) {
	n := e.node
	info := ElementInfo{}
	if n.Type != html.ElementNode {
		info.Tag = "#text"
		return info, nil
	}
	info.Tag = strings.ToUpper(n.Data)
	info.IsHTML = n.Namespace == ""
	if !info.IsHTML {
		return info, nil
	}
	switch n.Data {
	case "input":
		info.TextEntry = textInputTypes[strings.ToLower(locator.Attr(n, "type"))]
		info.Focusable = true
	case "textarea":
		info.TextEntry = true
		info.Focusable = true
	case "button", "select", "a":
		info.Focusable = true
	default:
		info.Focusable = hasAttr(n, "tabindex") || locator.Attr(n, "contenteditable") == "true"
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "form" {
			info.InForm = true
			break
		}
	}
	return info, nil
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func (e *staticElement) xpath() string {
	return locator.Compute(e.node).XPath
}

func (e *staticElement) VisibleRatio(context.Context) (float64, error) { return 1, nil }

func (e *staticElement) ScrollIntoView(context.Context) error {
	e.doc.record("scroll %s", e.xpath())
	return nil
}

func (e *staticElement) Highlight(context.Context) error   { return nil }
func (e *staticElement) Unhighlight(context.Context) error { return nil }

func (e *staticElement) Click(context.Context) error {
	e.doc.record("click %s", e.xpath())
	return nil
}

func (e *staticElement) Focus(context.Context) error {
	e.doc.record("focus %s", e.xpath())
	return nil
}

func (e *staticElement) SetValue(_ context.Context, value string) error {
	n := e.node
	if n.Data == "textarea" {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	} else {
		setAttr(n, "value", value)
	}
	e.doc.record("input %s %q", e.xpath(), value)
	return nil
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func (e *staticElement) DispatchKey(_ context.Context, key KeyEvent) error {
	e.doc.record("key %s %s", e.xpath(), key.Key)
	return nil
}

func (e *staticElement) SubmitForm(context.Context) error {
	for p := e.node.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "form" {
			e.doc.record("submit %s", locator.Compute(p).XPath)
			return nil
		}
	}
	return fmt.Errorf("%s is not inside a form", e.xpath())
}
