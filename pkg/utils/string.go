package utils

import (
	"net/url"
	"strconv"
	"strings"
)

// ExpandPattern substitutes {trackId}, {sequenceId} and {ext} placeholders in
// a sequence URL pattern.
func ExpandPattern(pattern string, trackID uint32, sequenceID int64, ext string) string {
	r := strings.NewReplacer(
		"{trackId}", strconv.FormatUint(uint64(trackID), 10),
		"{sequenceId}", strconv.FormatInt(sequenceID, 10),
		"{ext}", ext,
	)
	return r.Replace(pattern)
}

// ResolveURL joins a possibly relative reference against a base URL.
func ResolveURL(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}

// ManifestURL normalizes a stream endpoint into its manifest URL: the path
// must end with .json, otherwise the trailing path component extension is
// replaced with /index.json.
func ManifestURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(u.Path, ".json") {
		return u.String(), nil
	}
	path := u.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		last := path[i+1:]
		if j := strings.LastIndex(last, "."); j >= 0 {
			path = path[:i+1] + last[:j]
		}
	}
	u.Path = strings.TrimSuffix(path, "/") + "/index.json"
	return u.String(), nil
}

// ContainsAny checks if string contains any of the substrings
func ContainsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
