package crawler

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ExtractText extracts the title and readable body text from HTML. Block
// elements become paragraph breaks. maxWords of zero keeps all text.
func ExtractText(htmlContent []byte, maxWords int) (title string, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(htmlContent))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title = cleanText(extractTitle(doc))

	var b strings.Builder
	extractBodyText(doc, &b)
	text = cleanParagraphs(b.String())
	text = truncateWords(text, maxWords)

	return title, text, nil
}

// extractTitle finds and returns the page title
func extractTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		return getNodeText(n)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if title := extractTitle(c); title != "" {
			return title
		}
	}

	return ""
}

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "footer": true, "header": true, "aside": true,
	"form": true, "head": true, "svg": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"li": true, "ul": true, "ol": true, "table": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "br": true, "hr": true, "dt": true, "dd": true,
}

// extractBodyText writes the text of n, excluding unwanted elements
func extractBodyText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && skippedTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' {
				return ' '
			}
			return r
		}, n.Data))
		b.WriteString(" ")
		return
	}

	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractBodyText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

// getNodeText extracts all text from a node and its children
func getNodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}

	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		text.WriteString(getNodeText(c))
	}

	return text.String()
}

// cleanText collapses all whitespace to single spaces
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// cleanParagraphs collapses whitespace within lines and drops empty lines,
// separating the remaining ones with a blank line.
func cleanParagraphs(text string) string {
	var paragraphs []string
	for _, line := range strings.Split(text, "\n") {
		if line = cleanText(line); line != "" {
			paragraphs = append(paragraphs, line)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// truncateWords truncates text to approximately N words. Zero means no limit.
func truncateWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}

	return strings.Join(words[:maxWords], " ") + "..."
}

// ReadLimitedBody reads up to maxBytes from a reader. A non-positive limit
// reads everything.
func ReadLimitedBody(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(body)
	}
	return io.ReadAll(io.LimitReader(body, maxBytes))
}
