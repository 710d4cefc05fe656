package repolist

import (
	"net/url"
	"strings"

	"github.com/MrSnakeDoc/ghrelay/internal/models"
)

const defaultHost = "github.com"

// Parse turns a newline-delimited repository list into references. Blank
// lines and lines starting with '#' are skipped. Accepted forms:
//
//	owner/repo
//	host/owner/repo
//	https://host/owner/repo[.git]
//
// Lines that do not yield both an owner and a name are dropped. Order is kept
// and duplicates are not removed.
func Parse(text string) []models.RepositoryRef {
	var out []models.RepositoryRef
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ref, ok := ParseLine(line); ok {
			out = append(out, ref)
		}
	}
	return out
}

// ParseLine parses a single, already trimmed, entry.
func ParseLine(line string) (models.RepositoryRef, bool) {
	if i := strings.IndexAny(line, " \t#"); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return models.RepositoryRef{}, false
	}

	scheme, host := "https", defaultHost
	var path string

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil || u.Host == "" {
			return models.RepositoryRef{}, false
		}
		scheme, host, path = u.Scheme, u.Host, u.Path
	} else {
		parts := strings.Split(strings.Trim(line, "/"), "/")
		if len(parts) >= 3 && strings.Contains(parts[0], ".") {
			host, path = parts[0], strings.Join(parts[1:], "/")
		} else {
			path = line
		}
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 {
		return models.RepositoryRef{}, false
	}
	owner := segs[0]
	name := strings.TrimSuffix(segs[1], ".git")
	if !validSegment(owner) || !validSegment(name) {
		return models.RepositoryRef{}, false
	}

	return models.RepositoryRef{
		Owner: owner,
		Name:  name,
		URL:   scheme + "://" + host + "/" + owner + "/" + name,
	}, true
}

// SplitFullName parses "owner/repo" as given on the command line or a route.
func SplitFullName(s string) (owner, name string, ok bool) {
	owner, name, found := strings.Cut(strings.Trim(s, "/"), "/")
	if !found || !validSegment(owner) || !validSegment(name) || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".."
}
