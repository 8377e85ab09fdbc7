package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// EncodeURLPath percent-encodes every "/"-delimited path segment of rawURL independently.
// Scheme, host, port and the separators are preserved. URLs here never carry a
// query, so "?" and "#" are encoded as part of the segment they appear in.
// Example: http://cdn.example.com:8080/1.0/win/my pak#1.pak
//       -> http://cdn.example.com:8080/1.0/win/my%20pak%231.pak
func EncodeURLPath(rawURL string) (string, error) {
	schemeEnd := strings.Index(rawURL, "://")
	if schemeEnd <= 0 {
		return "", fmt.Errorf("url %q has no scheme", rawURL)
	}

	rest := rawURL[schemeEnd+3:]
	hostEnd := strings.IndexByte(rest, '/')
	if hostEnd == 0 || rest == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if hostEnd < 0 {
		// Nothing to encode
		return rawURL, nil
	}

	prefix := rawURL[:schemeEnd+3+hostEnd]
	path := rest[hostEnd:]

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return prefix + strings.Join(segments, "/"), nil
}

// JoinURL joins a base URL and path elements with single slashes.
// Elements are used verbatim; encoding happens at request time.
func JoinURL(base string, elems ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(e)
	}
	return b.String()
}

// FileNameFromURL returns the last path segment of rawURL, or "" when there is none.
func FileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(parsed.Path, "/")
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		p = p[idx+1:]
	}
	return p
}
