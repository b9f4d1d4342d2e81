package schema

import "time"

// Record is a typed row that knows its kind, table and insert values. Values
// are returned in Table().Columns order.
type Record interface {
	Kind() Kind
	Table() Table
	Values() []any
}

// List is a user-curated list, the root of the crawl hierarchy.
type List struct {
	ListID       int64
	Title        string
	URL          string
	UserProfile  string
	ScrapeStatus Status
	ScrapedAt    *time.Time
}

func (List) Kind() Kind   { return KindList }
func (List) Table() Table { return Lists }

func (l List) Values() []any {
	return []any{l.ListID, l.Title, l.URL, l.UserProfile, string(l.ScrapeStatus), l.ScrapedAt}
}

// Title is a series referenced by one or more lists.
type Title struct {
	TitleID      int64
	Title        string
	URL          string
	ScrapeStatus Status
	ScrapedAt    *time.Time
}

func (Title) Kind() Kind   { return KindTitle }
func (Title) Table() Table { return Titles }

func (t Title) Values() []any {
	return []any{t.TitleID, t.Title, t.URL, string(t.ScrapeStatus), t.ScrapedAt}
}

// Volume belongs to a title. Everything except the ids is optional.
type Volume struct {
	VolumeID     int64
	TitleID      int64
	VolumeNumber *int64
	Title        *string
	URL          *string
	ISBN         *string
	Publisher    *string
	Year         *int64
}

func (Volume) Kind() Kind   { return KindVolume }
func (Volume) Table() Table { return Volumes }

func (v Volume) Values() []any {
	return []any{v.VolumeID, v.TitleID, v.VolumeNumber, v.Title, v.URL, v.ISBN, v.Publisher, v.Year}
}

// ListTitle links a title to a list at a rank.
type ListTitle struct {
	ListID   int64
	TitleID  int64
	Position *int64
}

func (ListTitle) Kind() Kind   { return KindListTitle }
func (ListTitle) Table() Table { return ListsTitles }

func (lt ListTitle) Values() []any {
	return []any{lt.ListID, lt.TitleID, lt.Position}
}

// TitleMetadata is optional descriptive data for a title.
type TitleMetadata struct {
	TitleID       int64
	Author        *string
	Publisher     *string
	Demographic   *string
	Genre         *string
	Themes        *string
	OriginalTitle *string
	Description   *string
	StartYear     *int64
	EndYear       *int64
	Status        *string
}

func (TitleMetadata) Kind() Kind   { return KindTitleMetadata }
func (TitleMetadata) Table() Table { return TitleMetadataTable }

func (m TitleMetadata) Values() []any {
	return []any{
		m.TitleID, m.Author, m.Publisher, m.Demographic, m.Genre, m.Themes,
		m.OriginalTitle, m.Description, m.StartYear, m.EndYear, m.Status,
	}
}

// TitleEnriched carries ratings, cover art and cross-site links for a title.
// AdditionalData is an opaque serialized blob.
type TitleEnriched struct {
	TitleID         int64
	CoverURL        *string
	CoverImagePath  *string
	Rating          *float64
	RatingCount     *int64
	PopularityRank  *int64
	MyAnimeListURL  *string
	MangaUpdatesURL *string
	AniListURL      *string
	AdditionalData  []byte
}

func (TitleEnriched) Kind() Kind   { return KindTitleEnriched }
func (TitleEnriched) Table() Table { return TitleEnrichedTable }

func (e TitleEnriched) Values() []any {
	var blob any
	if e.AdditionalData != nil {
		blob = string(e.AdditionalData)
	}
	return []any{
		e.TitleID, e.CoverURL, e.CoverImagePath, e.Rating, e.RatingCount, e.PopularityRank,
		e.MyAnimeListURL, e.MangaUpdatesURL, e.AniListURL, blob,
	}
}

// Operation types recorded in the scraping log besides the entity kinds
// themselves, which are used for per-entity start and finish entries.
const (
	OpItemFailed = "item_failed"
	OpRetryAll   = "retry_all"
)

// Scraping log statuses.
const (
	LogStarted = "started"
	LogSuccess = "success"
	LogFailed  = "failed"
)

// ScrapingLogEntry is one write-once audit row.
type ScrapingLogEntry struct {
	ScrapperName  string
	OperationType string
	EntityID      string
	Status        string
	ErrorMessage  *string
	DurationMS    *int64
}

func (ScrapingLogEntry) Kind() Kind   { return KindScrapingLog }
func (ScrapingLogEntry) Table() Table { return ScrapingLog }

func (e ScrapingLogEntry) Values() []any {
	return []any{e.ScrapperName, e.OperationType, e.EntityID, e.Status, e.ErrorMessage, e.DurationMS}
}

// Ptr returns a pointer to v. Handy for the optional record fields.
func Ptr[T any](v T) *T {
	return &v
}
