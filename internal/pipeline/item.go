// Package pipeline turns extracted page records into persisted rows. A
// Session holds the state of one crawl run and a Runner drives a run over
// the work set chosen by the crawl state tracker.
package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

var (
	// ErrUnknownItem is returned by Session.Process for item types it has no
	// handler for.
	ErrUnknownItem = errors.New("unknown item type")
	// ErrBadHref is returned when no numeric id can be read from a link.
	ErrBadHref = errors.New("href carries no numeric id")
)

// Item is one unit of extracted data. The set of implementations is closed:
// only the types in this package satisfy it.
type Item interface {
	Kind() schema.Kind
	item()
}

// ListItem is a list discovered on a user's profile.
type ListItem struct {
	List schema.List
}

// TitleItem is a title found on a list page, with its rank on that list.
type TitleItem struct {
	ListID   int64
	Title    schema.Title
	Position *int64
}

// VolumeItem is a volume found on a title page.
type VolumeItem struct {
	Volume schema.Volume
}

// MetadataItem is descriptive data read from a title page.
type MetadataItem struct {
	Metadata schema.TitleMetadata
}

// EnrichedItem is rating and cross-site data read from a title page.
type EnrichedItem struct {
	Enriched schema.TitleEnriched
}

func (ListItem) Kind() schema.Kind     { return schema.KindList }
func (TitleItem) Kind() schema.Kind    { return schema.KindTitle }
func (VolumeItem) Kind() schema.Kind   { return schema.KindVolume }
func (MetadataItem) Kind() schema.Kind { return schema.KindTitleMetadata }
func (EnrichedItem) Kind() schema.Kind { return schema.KindTitleEnriched }

func (ListItem) item()     {}
func (TitleItem) item()    {}
func (VolumeItem) item()   {}
func (MetadataItem) item() {}
func (EnrichedItem) item() {}

// RawRecord is one link pulled from a page: its visible text, its target and
// its 1-based position on the page.
type RawRecord struct {
	Text     string `yaml:"text"`
	Href     string `yaml:"href"`
	Position int64  `yaml:"position"`
}

// IDFromHref reads the id that whakoom appends to entity links, as in
// "/comics/abc/one_piece_1234". Query strings, fragments and a trailing slash
// are ignored.
func IDFromHref(href string) (int64, error) {
	s := href
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	i := strings.LastIndexByte(s, '_')
	if i < 0 || i == len(s)-1 {
		return 0, fmt.Errorf("%w: %q", ErrBadHref, href)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadHref, href)
	}
	return id, nil
}

// titleFromRecord builds the item for a title linked from list listID.
func titleFromRecord(listID int64, rec RawRecord) (TitleItem, error) {
	id, err := IDFromHref(rec.Href)
	if err != nil {
		return TitleItem{}, err
	}
	item := TitleItem{
		ListID: listID,
		Title: schema.Title{
			TitleID:      id,
			Title:        strings.TrimSpace(rec.Text),
			URL:          rec.Href,
			ScrapeStatus: schema.StatusPending,
		},
	}
	if rec.Position > 0 {
		item.Position = schema.Ptr(rec.Position)
	}
	return item, nil
}

// volumeFromRecord builds the item for a volume linked from title titleID.
// The page position doubles as the volume number.
func volumeFromRecord(titleID int64, rec RawRecord) (VolumeItem, error) {
	id, err := IDFromHref(rec.Href)
	if err != nil {
		return VolumeItem{}, err
	}
	vol := schema.Volume{
		VolumeID: id,
		TitleID:  titleID,
		URL:      schema.Ptr(rec.Href),
	}
	if text := strings.TrimSpace(rec.Text); text != "" {
		vol.Title = schema.Ptr(text)
	}
	if rec.Position > 0 {
		vol.VolumeNumber = schema.Ptr(rec.Position)
	}
	return VolumeItem{Volume: vol}, nil
}
