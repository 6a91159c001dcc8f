// Package sources models citation records surfaced by the agent's tools and
// retrieval layer, and merges them without duplicates.
package sources

import (
	"encoding/json"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Source is one citation backing part of an answer.
type Source struct {
	Title  string `json:"title,omitempty"`
	URI    string `json:"uri,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Key is the identity used for de-duplication: the URI when present,
// otherwise the title.
func (s Source) Key() string {
	if s.URI != "" {
		return s.URI
	}
	return s.Title
}

// Merge appends every incoming source whose key is not yet present,
// preserving first-appearance order. Later duplicates are dropped, never
// merged field by field. Neither input is modified.
func Merge(existing, incoming []Source) []Source {
	merged := make([]Source, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))

	for _, s := range existing {
		merged = append(merged, s)
		seen[s.Key()] = struct{}{}
	}
	for _, s := range incoming {
		key := s.Key()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}

// FromRetrieved builds a source from a retrieval reference. A missing title
// is derived from the URI the same way file paths are titled.
func FromRetrieved(uri, title string) Source {
	uri = strings.TrimSpace(uri)
	title = strings.TrimSpace(title)
	if title == "" && uri != "" {
		title = TitleFromPath(uri)
	}
	return Source{Title: title, URI: uri, Domain: domainOf(uri)}
}

// FromPaths converts a flat list of file-path-like strings.
func FromPaths(paths []string) []Source {
	out := make([]Source, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Source{Title: TitleFromPath(p), URI: p, Domain: domainOf(p)})
	}
	return out
}

// TitleFromPath returns the last path segment without its extension.
func TitleFromPath(p string) string {
	p = strings.TrimRight(p, "/")
	// len(scheme) > 1 keeps Windows drive letters out of URL handling.
	if u, err := url.Parse(p); err == nil && len(u.Scheme) > 1 && u.Path != "" {
		p = u.Path
	}
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func domainOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) < 2 {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ExtractFencedJSON returns the body of the first ```json fenced block.
func ExtractFencedJSON(text string) (string, bool) {
	m := fencedJSON.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

type toolSources struct {
	Sources []json.RawMessage `json:"sources"`
}

// FromToolResult extracts sources from a tool's textual result. The result
// may be bare JSON or JSON wrapped in a ```json fence, carrying either a list
// of path strings or a list of {title, uri} objects under "sources".
func FromToolResult(result string) []Source {
	body := strings.TrimSpace(result)
	if fenced, ok := ExtractFencedJSON(result); ok {
		body = fenced
	}
	if !strings.HasPrefix(body, "{") {
		return nil
	}

	var ts toolSources
	if err := json.Unmarshal([]byte(body), &ts); err != nil {
		return nil
	}

	var out []Source
	for _, raw := range ts.Sources {
		var p string
		if err := json.Unmarshal(raw, &p); err == nil {
			out = append(out, FromPaths([]string{p})...)
			continue
		}
		var obj struct {
			Title string `json:"title"`
			URI   string `json:"uri"`
			URL   string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			uri := obj.URI
			if uri == "" {
				uri = obj.URL
			}
			if uri == "" && obj.Title == "" {
				continue
			}
			out = append(out, FromRetrieved(uri, obj.Title))
		}
	}
	return out
}
