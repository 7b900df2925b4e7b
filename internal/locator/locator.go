// Package locator computes and resolves structural element locators.
//
// A Locator records three independent ways of re-finding a DOM node (its id,
// its class list and an XPath). The XPath is derived from a list of Segments,
// one per level between the node and the document, so the same algorithm
// serves both parsed HTML documents and segments captured by the in-page hook.
package locator

import (
	"strings"
)

// Strategy names one way of resolving a locator.
type Strategy string

const (
	ByID        Strategy = "id"
	ByClassName Strategy = "className"
	ByXPath     Strategy = "xpath"
)

// fallbackOrder is tried after the default strategy.
var fallbackOrder = []Strategy{ByXPath, ByID, ByClassName}

// Locator is a structural description sufficient to re-find a node later.
type Locator struct {
	ID              string   `json:"id"`
	ClassName       string   `json:"className"`
	XPath           string   `json:"xpath"`
	DefaultSelector Strategy `json:"defaultSelector,omitempty"`
}

// New builds a locator from captured attributes and structural segments.
// The default strategy is always xpath.
func New(id string, classes []string, segments []Segment) Locator {
	return Locator{
		ID:              id,
		ClassName:       JoinClasses(classes),
		XPath:           Path(segments),
		DefaultSelector: ByXPath,
	}
}

// JoinClasses joins the non-blank entries of a class list with ".".
func JoinClasses(classes []string) string {
	kept := make([]string, 0, len(classes))
	for _, c := range classes {
		c = strings.TrimSpace(c)
		if c != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, ".")
}

// Value returns the locator field used by the given strategy.
func (l Locator) Value(s Strategy) string {
	switch s {
	case ByID:
		return l.ID
	case ByClassName:
		return l.ClassName
	case ByXPath:
		return l.XPath
	default:
		return ""
	}
}

// IsZero reports whether the locator carries nothing to resolve.
func (l Locator) IsZero() bool {
	return l.ID == "" && l.ClassName == "" && l.XPath == ""
}

// Strategies returns the order in which resolution is attempted: the default
// selector first, then xpath, id and className. Strategies whose field is
// empty are skipped and no strategy appears twice.
func (l Locator) Strategies() []Strategy {
	order := make([]Strategy, 0, len(fallbackOrder)+1)
	seen := make(map[Strategy]bool, len(fallbackOrder))
	add := func(s Strategy) {
		if seen[s] || l.Value(s) == "" {
			return
		}
		seen[s] = true
		order = append(order, s)
	}
	add(l.DefaultSelector)
	for _, s := range fallbackOrder {
		add(s)
	}
	return order
}

// Classes splits the className field back into individual classes.
func (l Locator) Classes() []string {
	if l.ClassName == "" {
		return nil
	}
	parts := strings.Split(l.ClassName, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CSSClassSelector renders the className field as a CSS class selector.
func (l Locator) CSSClassSelector() string {
	if l.ClassName == "" {
		return ""
	}
	return "." + l.ClassName
}
