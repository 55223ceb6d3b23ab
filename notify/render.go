package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

const maxDescriptionRunes = 400

// renderer turns an Event into the message body shared by all channels.
type renderer struct {
	md *converter.Converter
}

func newRenderer() *renderer {
	return &renderer{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Render produces a markdown message for one listing. Descriptions arrive
// as scraped HTML fragments; conversion failures fall back to the raw text.
func (r *renderer) Render(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", ev.Title)
	if ev.Price != "" {
		fmt.Fprintf(&b, "Price: %s\n", ev.Price)
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", ev.Location)
	}
	fmt.Fprintf(&b, "Keyword: %s | Region: %s\n", ev.KeywordTerm, ev.RegionName)
	fmt.Fprintf(&b, "Found: %s\n", time.UnixMilli(ev.FoundAt).UTC().Format(time.RFC3339))
	if desc := r.description(ev.Description); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", desc)
	}
	fmt.Fprintf(&b, "\n%s", ev.URL)
	return b.String()
}

func (r *renderer) description(html string) string {
	if html == "" {
		return ""
	}
	text, err := r.md.ConvertString(html)
	if err != nil || strings.TrimSpace(text) == "" {
		text = html
	}
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > maxDescriptionRunes {
		text = string(runes[:maxDescriptionRunes]) + "…"
	}
	return text
}
