package routing

import (
	"transit_nav/pkg/catalog"
)

// Index bundles the stop locator and the matcher of one catalog.
type Index struct {
	*Locator
	*Matcher
	Catalog *catalog.Catalog
}

// NewIndex builds the locator and matcher for c.
func NewIndex(c *catalog.Catalog, opts Options, m MatchMetrics) *Index {
	return &Index{
		Locator: NewLocator(c),
		Matcher: NewMatcher(c, opts, m),
		Catalog: c,
	}
}

// TaxiColor returns the colour of the catalog's taxi fallback, or def.
func (ix *Index) TaxiColor(def string) string {
	if t, ok := ix.Catalog.Taxi(); ok && t.Color != "" {
		return t.Color
	}
	return def
}
