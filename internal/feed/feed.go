// Package feed serves crawl pages from a YAML capture instead of the live
// site. Each page is keyed by the URL the crawler would request and lists
// the entity links found on it, plus title details for title pages.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/whakoom-crawler/internal/pipeline"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

// ErrPageNotFound is returned for URLs the feed holds no page for.
var ErrPageNotFound = errors.New("page not in feed")

// FileYAML is the layout of a feed file.
type FileYAML struct {
	Pages map[string]PageYAML `yaml:"pages"`
}

// PageYAML is one captured page.
type PageYAML struct {
	Records  []pipeline.RawRecord `yaml:"records"`
	Metadata *MetadataYAML        `yaml:"metadata,omitempty"`
	Enriched *EnrichedYAML        `yaml:"enriched,omitempty"`
}

// MetadataYAML holds descriptive fields of a title page.
type MetadataYAML struct {
	Author        string `yaml:"author,omitempty"`
	Publisher     string `yaml:"publisher,omitempty"`
	Demographic   string `yaml:"demographic,omitempty"`
	Genre         string `yaml:"genre,omitempty"`
	Themes        string `yaml:"themes,omitempty"`
	OriginalTitle string `yaml:"original_title,omitempty"`
	Description   string `yaml:"description,omitempty"`
	StartYear     int64  `yaml:"start_year,omitempty"`
	EndYear       int64  `yaml:"end_year,omitempty"`
	Status        string `yaml:"status,omitempty"`
}

// EnrichedYAML holds ratings and cross-site links. Extra is stored as a JSON
// blob.
type EnrichedYAML struct {
	CoverURL        string         `yaml:"cover_url,omitempty"`
	CoverImagePath  string         `yaml:"cover_image_path,omitempty"`
	Rating          float64        `yaml:"rating,omitempty"`
	RatingCount     int64          `yaml:"rating_count,omitempty"`
	PopularityRank  int64          `yaml:"popularity_rank,omitempty"`
	MyAnimeListURL  string         `yaml:"myanimelist_url,omitempty"`
	MangaUpdatesURL string         `yaml:"mangaupdates_url,omitempty"`
	AniListURL      string         `yaml:"anilist_url,omitempty"`
	Extra           map[string]any `yaml:"extra,omitempty"`
}

// Extractor answers pipeline requests from a parsed feed.
type Extractor struct {
	pages map[string]PageYAML
}

// Load reads a feed file from disk.
func Load(path string) (*Extractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a feed. Unknown keys are rejected so typos surface early.
func Parse(r io.Reader) (*Extractor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file FileYAML
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	pages := make(map[string]PageYAML, len(file.Pages))
	for url, page := range file.Pages {
		key := strings.TrimSpace(url)
		if key == "" {
			return nil, errors.New("feed page with empty url")
		}
		for i := range page.Records {
			if page.Records[i].Position == 0 {
				page.Records[i].Position = int64(i + 1)
			}
		}
		pages[key] = page
	}
	return &Extractor{pages: pages}, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*Extractor, error) {
	return Parse(bytes.NewReader(data))
}

// Len reports how many pages the feed holds.
func (e *Extractor) Len() int { return len(e.pages) }

func (e *Extractor) page(ctx context.Context, url string) (PageYAML, error) {
	if err := ctx.Err(); err != nil {
		return PageYAML{}, err
	}
	page, ok := e.pages[strings.TrimSpace(url)]
	if !ok {
		return PageYAML{}, fmt.Errorf("%w: %s", ErrPageNotFound, url)
	}
	return page, nil
}

// Extract implements pipeline.Extractor.
func (e *Extractor) Extract(ctx context.Context, url string) ([]pipeline.RawRecord, error) {
	page, err := e.page(ctx, url)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.RawRecord, len(page.Records))
	copy(out, page.Records)
	return out, nil
}

// Details implements pipeline.DetailExtractor.
func (e *Extractor) Details(ctx context.Context, url string) (pipeline.Details, error) {
	page, err := e.page(ctx, url)
	if err != nil {
		return pipeline.Details{}, err
	}
	var out pipeline.Details
	if m := page.Metadata; m != nil {
		out.Metadata = &schema.TitleMetadata{
			Author:        optString(m.Author),
			Publisher:     optString(m.Publisher),
			Demographic:   optString(m.Demographic),
			Genre:         optString(m.Genre),
			Themes:        optString(m.Themes),
			OriginalTitle: optString(m.OriginalTitle),
			Description:   optString(m.Description),
			StartYear:     optInt(m.StartYear),
			EndYear:       optInt(m.EndYear),
			Status:        optString(m.Status),
		}
	}
	if en := page.Enriched; en != nil {
		rec := &schema.TitleEnriched{
			CoverURL:        optString(en.CoverURL),
			CoverImagePath:  optString(en.CoverImagePath),
			RatingCount:     optInt(en.RatingCount),
			PopularityRank:  optInt(en.PopularityRank),
			MyAnimeListURL:  optString(en.MyAnimeListURL),
			MangaUpdatesURL: optString(en.MangaUpdatesURL),
			AniListURL:      optString(en.AniListURL),
		}
		if en.Rating != 0 {
			rec.Rating = schema.Ptr(en.Rating)
		}
		if len(en.Extra) > 0 {
			blob, err := json.Marshal(en.Extra)
			if err != nil {
				return pipeline.Details{}, fmt.Errorf("encode extra for %s: %w", url, err)
			}
			rec.AdditionalData = blob
		}
		out.Enriched = rec
	}
	return out, nil
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func optInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
