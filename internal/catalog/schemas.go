package catalog

import (
	"encoding/json"
	"time"

	"github.com/craftplane/craftplane/internal/apierr"
)

// Release types as the upstream API encodes them.
const (
	releaseTypeRelease = 1
	releaseTypeBeta    = 2
	releaseTypeAlpha   = 3
)

type Author struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Logo struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

type Links struct {
	WebsiteURL string `json:"websiteUrl"`
	WikiURL    string `json:"wikiUrl"`
	IssuesURL  string `json:"issuesUrl"`
	SourceURL  string `json:"sourceUrl"`
}

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type FileHash struct {
	Value string `json:"value"`
	Algo  int    `json:"algo"`
}

// ModpackMeta is the catalog's project record. Unknown upstream fields are
// preserved in Extra so schema drift on their side never loses data on ours.
type ModpackMeta struct {
	ID            int          `json:"id"`
	GameID        int          `json:"gameId"`
	Name          string       `json:"name"`
	Slug          string       `json:"slug"`
	Summary       string       `json:"summary"`
	Links         Links        `json:"links"`
	DownloadCount float64      `json:"downloadCount"`
	Categories    []Category   `json:"categories"`
	Authors       []Author     `json:"authors"`
	Logo          *Logo        `json:"logo"`
	MainFileID    int          `json:"mainFileId"`
	LatestFiles   []FileDetail `json:"latestFiles"`
	DateCreated   time.Time    `json:"dateCreated"`
	DateModified  time.Time    `json:"dateModified"`
	DateReleased  time.Time    `json:"dateReleased"`

	Extra map[string]json.RawMessage `json:"-"`
}

var modpackMetaKnown = knownKeys(
	"id", "gameId", "name", "slug", "summary", "links", "downloadCount",
	"categories", "authors", "logo", "mainFileId", "latestFiles",
	"dateCreated", "dateModified", "dateReleased",
)

func (m *ModpackMeta) UnmarshalJSON(data []byte) error {
	type alias ModpackMeta

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	*m = ModpackMeta(a)
	m.Extra = extraFields(data, modpackMetaKnown)

	return nil
}

func (m *ModpackMeta) Validate() error {
	if m.ID <= 0 {
		return apierr.New(apierr.UpstreamUnavailable, "catalog returned a project without an id")
	}
	if m.Name == "" {
		return apierr.New(apierr.UpstreamUnavailable, "catalog returned project %d without a name", m.ID)
	}

	return nil
}

// FileDetail describes one downloadable file of a project. DownloadURL may
// be empty when the author opted out of third-party distribution.
type FileDetail struct {
	ID               int       `json:"id"`
	ModID            int       `json:"modId"`
	DisplayName      string    `json:"displayName"`
	FileName         string    `json:"fileName"`
	ReleaseType      int       `json:"releaseType"`
	FileDate         time.Time `json:"fileDate"`
	FileLength       int64     `json:"fileLength"`
	DownloadURL      string    `json:"downloadUrl"`
	GameVersions     []string  `json:"gameVersions"`
	Hashes           []FileHash `json:"hashes"`
	ServerPackFileID *int      `json:"serverPackFileId"`

	Extra map[string]json.RawMessage `json:"-"`
}

var fileDetailKnown = knownKeys(
	"id", "modId", "displayName", "fileName", "releaseType", "fileDate",
	"fileLength", "downloadUrl", "gameVersions", "hashes", "serverPackFileId",
)

func (f *FileDetail) UnmarshalJSON(data []byte) error {
	type alias FileDetail

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	*f = FileDetail(a)
	f.Extra = extraFields(data, fileDetailKnown)

	return nil
}

func (f *FileDetail) Validate() error {
	if f.ID <= 0 {
		return apierr.New(apierr.UpstreamUnavailable, "catalog returned a file without an id")
	}
	if f.FileName == "" {
		return apierr.New(apierr.UpstreamUnavailable, "catalog returned file %d without a file name", f.ID)
	}

	return nil
}

// ReleaseChannel maps the numeric release type to the channel names used
// across the API surface.
func (f *FileDetail) ReleaseChannel() string {
	switch f.ReleaseType {
	case releaseTypeRelease:
		return "release"
	case releaseTypeBeta:
		return "beta"
	case releaseTypeAlpha:
		return "alpha"
	default:
		return "unknown"
	}
}

// ModMeta is the slim project record returned by the batched mods endpoint.
type ModMeta struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Slug    string   `json:"slug"`
	Summary string   `json:"summary"`
	Links   Links    `json:"links"`
	Logo    *Logo    `json:"logo"`
	Authors []Author `json:"authors"`

	Extra map[string]json.RawMessage `json:"-"`
}

var modMetaKnown = knownKeys("id", "name", "slug", "summary", "links", "logo", "authors")

func (m *ModMeta) UnmarshalJSON(data []byte) error {
	type alias ModMeta

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	*m = ModMeta(a)
	m.Extra = extraFields(data, modMetaKnown)

	return nil
}

type Pagination struct {
	Index       int `json:"index"`
	PageSize    int `json:"pageSize"`
	ResultCount int `json:"resultCount"`
	TotalCount  int `json:"totalCount"`
}

type SearchPage struct {
	Mods       []ModpackMeta `json:"data"`
	Pagination Pagination    `json:"pagination"`
}

func knownKeys(names ...string) map[string]struct{} {
	keys := make(map[string]struct{}, len(names))
	for _, name := range names {
		keys[name] = struct{}{}
	}

	return keys
}

func extraFields(data []byte, known map[string]struct{}) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}

	for key := range known {
		delete(all, key)
	}

	if len(all) == 0 {
		return nil
	}

	return all
}
