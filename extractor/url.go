package extractor

import "net/url"

const marketplaceBase = "https://www.facebook.com/marketplace"

// BuildSearchURL builds the search URL for a term within a region,
// requesting newest-first ordering so recent items appear before the
// scroll budget runs out.
func BuildSearchURL(regionSlug, term string) string {
	q := url.Values{}
	q.Set("query", term)
	q.Set("sortBy", "creation_time_descend")
	q.Set("exact", "false")
	return marketplaceBase + "/" + url.PathEscape(regionSlug) + "/search?" + q.Encode()
}
