package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RepositoryRef identifies one repository from the configured list.
type RepositoryRef struct {
	Owner string `json:"owner" yaml:"owner"`
	Name  string `json:"repo" yaml:"repo"`
	URL   string `json:"url" yaml:"url"`
}

func (r RepositoryRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// Release is the normalized projection of an upstream release.
type Release struct {
	ID          int64      `json:"id"`
	TagName     string     `json:"tag_name"`
	Title       string     `json:"name"`
	Body        string     `json:"body,omitempty"`
	PublishedAt *time.Time `json:"published_at"`
	Prerelease  bool       `json:"prerelease"`
	Draft       bool       `json:"draft"`
	Assets      []Asset    `json:"assets"`
}

// Published returns the publish time, zero for unpublished drafts.
func (r Release) Published() time.Time {
	if r.PublishedAt == nil {
		return time.Time{}
	}
	return *r.PublishedAt
}

type Asset struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	DownloadCount int64  `json:"download_count"`
	ContentType   string `json:"content_type,omitempty"`
	UpstreamURL   string `json:"browser_download_url"`
	ProxyURL      string `json:"proxy_url"`
}

// ProxyURL derives the download proxy location of an asset. It is the only
// place the route shape is spelled out on the producing side.
func ProxyURL(baseURL, owner, repo string, assetID int64, name string) string {
	return fmt.Sprintf("%s/api/download/%s/%s/%d/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(owner), url.PathEscape(repo), assetID, url.PathEscape(name))
}
