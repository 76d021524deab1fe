package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const maxSlugLen = 60

// DocumentName builds the upload filename for a crawled page:
// "<host>-<path-slug>.txt", or "<host>.txt" for the site root.
func DocumentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "page-" + slugify(rawURL) + ".txt"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	slug := slugify(u.Path)
	if slug == "" {
		return host + ".txt"
	}
	return host + "-" + slug + ".txt"
}

// DocumentContent is the text uploaded for a page: a short header naming the
// page and its address, then the extracted text.
func DocumentContent(r CrawlResult) []byte {
	var b strings.Builder
	if r.Title != "" {
		fmt.Fprintf(&b, "%s\n", r.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n\n", r.URL)
	b.WriteString(r.Content)
	b.WriteString("\n")
	return []byte(b.String())
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if runes := []rune(slug); len(runes) > maxSlugLen {
		slug = strings.TrimRight(string(runes[:maxSlugLen]), "-")
	}
	return slug
}
