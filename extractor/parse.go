package extractor

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

var (
	itemIDRe = regexp.MustCompile(`/marketplace/item/(\d+)`)
	// Currency before or after the amount: "US$ 1,200", "150 $", "45€".
	priceRe = regexp.MustCompile(`(?:US\$|R\$|CA\$|€|£|\$)\s*[\d.,]+|[\d.,]+\s*(?:US\$|R\$|CA\$|€|£|\$)`)
	distRe  = regexp.MustCompile(`(?i)^\d+\s*(km|mi|miles)\b`)
	// "Place, QC" style: the part after the last comma starts uppercase.
	regionTailRe = regexp.MustCompile(`^\p{Lu}[\p{L} .'-]{0,24}$`)
)

const maxTitleLen = 200

// ParseListings extracts listing records from a rendered search page.
// Result cards are anchors whose href points at /marketplace/item/<id>;
// the card's text nodes are classified heuristically into price, location
// and title, since the site's class names are obfuscated and unstable.
func ParseListings(pageHTML, baseURL string) ([]Listing, error) {
	doc, err := xhtml.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	strict := bluemonday.StrictPolicy()
	seen := make(map[string]bool)
	var listings []Listing

	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && n.Data == "a" {
			if l, ok := parseCard(n, base, strict); ok && !seen[l.ExternalID] {
				seen[l.ExternalID] = true
				listings = append(listings, l)
				// Cards do not nest; skip the subtree.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return listings, nil
}

// parseCard classifies one result anchor. Returns ok=false when the href
// is not an item link or carries no ID.
func parseCard(a *xhtml.Node, base *url.URL, strict *bluemonday.Policy) (Listing, bool) {
	href := attr(a, "href")
	m := itemIDRe.FindStringSubmatch(href)
	if m == nil {
		return Listing{}, false
	}

	l := Listing{ExternalID: m[1], URL: resolveURL(base, href)}

	var texts []string
	var imgSrc string
	var collect func(n *xhtml.Node)
	collect = func(n *xhtml.Node) {
		switch {
		case n.Type == xhtml.ElementNode && n.Data == "img" && imgSrc == "":
			if src := attr(n, "src"); strings.HasPrefix(src, "http") {
				imgSrc = src
			}
		case n.Type == xhtml.ElementNode && (n.Data == "span" || n.Data == "div"):
			if t := directText(n); t != "" {
				texts = append(texts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(a)
	l.ImageURL = imgSrc

	for _, t := range texts {
		// Strict sanitize strips any markup that leaked into text nodes;
		// unescape restores literal characters it entity-encoded.
		t = strings.TrimSpace(html.UnescapeString(strict.Sanitize(t)))
		switch {
		case t == "":
		case l.Price == "" && priceRe.MatchString(t):
			l.Price = truncate(t, 50)
		case l.Location == "" && looksLikeLocation(t):
			l.Location = truncate(t, 100)
		case l.Title == "" && len([]rune(t)) > 5 && !distRe.MatchString(t):
			l.Title = truncate(t, maxTitleLen)
		}
	}

	// A card without a readable title still identifies an item.
	if l.Title == "" {
		if l.Price != "" {
			l.Title = "Listing - " + l.Price
		} else {
			l.Title = "Listing #" + l.ExternalID
		}
	}
	return l, true
}

// looksLikeLocation matches short "place, Region" texts and distances.
// The uppercase-tail requirement keeps titles with incidental commas
// ("Road bike, great shape") out of the location slot.
func looksLikeLocation(t string) bool {
	if len(t) > 100 || priceRe.MatchString(t) {
		return false
	}
	if distRe.MatchString(t) {
		return true
	}
	i := strings.LastIndex(t, ",")
	if i <= 0 || i == len(t)-1 {
		return false
	}
	return regionTailRe.MatchString(strings.TrimSpace(t[i+1:]))
}

// directText returns the node's immediate text content, not descendants'.
func directText(n *xhtml.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xhtml.TextNode {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

func attr(n *xhtml.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func resolveURL(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(u).String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
