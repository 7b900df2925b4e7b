package locator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// ErrInvalidXPath is returned for expressions that do not compile.
var ErrInvalidXPath = errors.New("invalid xpath")

// escapedName matches a name test carrying the `\:` or `\*` escapes Path
// writes for element names such as "fb:like".
var escapedName = regexp.MustCompile(`[A-Za-z0-9_.\-]*(?:\\[:*][A-Za-z0-9_.\-]*)+`)

// XPath is a compiled XPath 1.0 expression evaluated over parsed HTML.
type XPath struct {
	expr string
	q    *xpath.Expr
}

// String returns the source expression.
func (x XPath) String() string { return x.expr }

// CompileXPath compiles a full XPath 1.0 expression, including the paths
// Path generates and hand-edited targets such as //button[@id='go'].
func CompileXPath(expr string) (XPath, error) {
	q, err := xpath.Compile(normalizeXPath(expr))
	if err != nil {
		return XPath{expr: expr}, fmt.Errorf("%w: %q: %v", ErrInvalidXPath, expr, err)
	}
	return XPath{expr: expr, q: q}, nil
}

// normalizeXPath rewrites escaped name tests into name() predicates, which
// select the same elements without a namespace binding.
func normalizeXPath(expr string) string {
	if !strings.Contains(expr, `\`) {
		return expr
	}
	return escapedName.ReplaceAllStringFunc(expr, func(name string) string {
		name = strings.NewReplacer(`\:`, ":", `\*`, "*").Replace(name)
		return "*[name()='" + name + "']"
	})
}

// First returns the first node in document order selected by the expression.
func (x XPath) First(doc *html.Node) *html.Node {
	if doc == nil || x.q == nil {
		return nil
	}
	return htmlquery.QuerySelector(doc, x.q)
}

// walk visits every descendant of root in document order.
func walk(root *html.Node, fn func(*html.Node)) {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		fn(c)
		walk(c, fn)
	}
}
