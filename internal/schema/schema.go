// Package schema holds the static table descriptors and typed records for the
// crawl store. Every persisted entity kind maps to exactly one Table, built
// once at package init and never derived from struct reflection.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Kind is the closed set of entity kinds the crawl persists.
type Kind string

// Entity kinds.
const (
	KindList          Kind = "list"
	KindTitle         Kind = "title"
	KindVolume        Kind = "volume"
	KindListTitle     Kind = "list_title"
	KindTitleMetadata Kind = "title_metadata"
	KindTitleEnriched Kind = "title_enriched"
	KindScrapingLog   Kind = "scraping_log"
)

// ErrUnknownKind is returned for kinds outside the closed set.
var ErrUnknownKind = errors.New("unknown entity kind")

// Table describes one table: its name, key columns and the ordered column
// list used for inserts.
type Table struct {
	Name    string
	Key     []string
	Columns []string
}

// HasColumn reports whether col is one of the table's insert columns.
func (t Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Table descriptors.
var (
	Lists = Table{
		Name:    "lists",
		Key:     []string{"list_id"},
		Columns: []string{"list_id", "title", "url", "user_profile", "scrape_status", "scraped_at"},
	}
	Titles = Table{
		Name:    "titles",
		Key:     []string{"title_id"},
		Columns: []string{"title_id", "title", "url", "scrape_status", "scraped_at"},
	}
	Volumes = Table{
		Name:    "volumes",
		Key:     []string{"volume_id"},
		Columns: []string{"volume_id", "title_id", "volume_number", "title", "url", "isbn", "publisher", "year"},
	}
	ListsTitles = Table{
		Name:    "lists_titles",
		Key:     []string{"list_id", "title_id"},
		Columns: []string{"list_id", "title_id", "position"},
	}
	TitleMetadataTable = Table{
		Name: "title_metadata",
		Key:  []string{"title_id"},
		Columns: []string{
			"title_id", "author", "publisher", "demographic", "genre", "themes",
			"original_title", "description", "start_year", "end_year", "status",
		},
	}
	TitleEnrichedTable = Table{
		Name: "title_enriched",
		Key:  []string{"title_id"},
		Columns: []string{
			"title_id", "cover_url", "cover_image_path", "rating", "rating_count", "popularity_rank",
			"myanimelist_url", "mangaupdates_url", "anilist_url", "additional_data",
		},
	}
	ScrapingLog = Table{
		Name:    "scraping_log",
		Key:     []string{"id"},
		Columns: []string{"scrapper_name", "operation_type", "entity_id", "status", "error_message", "duration_ms"},
	}
)

var tables = map[Kind]Table{
	KindList:          Lists,
	KindTitle:         Titles,
	KindVolume:        Volumes,
	KindListTitle:     ListsTitles,
	KindTitleMetadata: TitleMetadataTable,
	KindTitleEnriched: TitleEnrichedTable,
	KindScrapingLog:   ScrapingLog,
}

// TableFor returns the descriptor for kind.
func TableFor(kind Kind) (Table, error) {
	t, ok := tables[kind]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t, nil
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := tables[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Kinds lists every known kind in sorted order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(tables))
	for k := range tables {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
