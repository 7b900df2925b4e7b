package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/net/html"

	"ghostclick/internal/executor"
	"ghostclick/internal/locator"
)

var (
	locateTag   string
	locateXPath string
)

var locateCmd = &cobra.Command{
	Use:   "locate <file.html>",
	Short: "Compute element locators for a saved page",
	Long: `Computes the locator a recording would store for each element of a
saved HTML page and checks that it resolves back to the same element.

Use --tag to limit the check to one element type, or --xpath to resolve a
single expression.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocate,
}

func init() {
	locateCmd.Flags().StringVar(&locateTag, "tag", "", "Only elements with this tag name")
	locateCmd.Flags().StringVar(&locateXPath, "xpath", "", "Resolve this XPath and print the element's locator")
}

func runLocate(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	doc, err := executor.ParseStatic(string(src))
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}
	out := cmd.OutOrStdout()

	if locateXPath != "" {
		n := locator.Resolve(doc.Root(), locator.Locator{XPath: locateXPath})
		if n == nil {
			return fmt.Errorf("%w: %s", executor.ErrElementNotFound, locateXPath)
		}
		printLocator(out, n, locator.Compute(n), true)
		return nil
	}

	total, ambiguous := 0, 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (locateTag == "" || strings.EqualFold(n.Data, locateTag)) {
			loc := locator.Compute(n)
			ok := locator.Resolve(doc.Root(), loc) == n
			total++
			if !ok {
				ambiguous++
			}
			printLocator(out, n, loc, ok)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc.Root())

	fmt.Fprintf(out, "%d elements, %d resolve elsewhere\n", total, ambiguous)
	return nil
}

func printLocator(w io.Writer, n *html.Node, loc locator.Locator, ok bool) {
	mark := "ok"
	if !ok {
		mark = "ambiguous"
	}
	fmt.Fprintf(w, "%-9s <%s> %s", mark, n.Data, loc.XPath)
	if loc.ID != "" {
		fmt.Fprintf(w, " id=%s", loc.ID)
	}
	if loc.ClassName != "" {
		fmt.Fprintf(w, " class=%q", loc.ClassName)
	}
	fmt.Fprintln(w)
}
