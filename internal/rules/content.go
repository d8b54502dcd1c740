package rules

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Content holds the views a detector can test. Build it once per page and
// evaluate any number of detectors against it.
type Content struct {
	doc  *goquery.Document
	text string
	url  string
}

func NewContent(rawURL, markup string) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Content{
		doc:  doc,
		text: strings.ToLower(VisibleText(doc.Selection)),
		url:  strings.ToLower(rawURL),
	}, nil
}

func (c *Content) Text() string                { return c.text }
func (c *Content) Document() *goquery.Document { return c.doc }

// VisibleText joins text nodes with single spaces, skipping script, style
// and template bodies, so adjacent elements do not fuse words together.
func VisibleText(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "template", "noscript":
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
