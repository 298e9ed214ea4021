package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// skippedExtensions lists path suffixes that never render as HTML pages.
var skippedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {},
	".css": {}, ".js": {}, ".mjs": {}, ".json": {}, ".xml": {},
	".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".rar": {}, ".7z": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
}

// Canonicalize resolves raw against base and normalizes it into the frontier
// dedup key: fragment removed, trailing slash removed, leading "www." removed
// from the host, scheme and host lowercased. base may be empty when raw is
// already absolute.
func Canonicalize(raw, base string) (string, error) {
	u, err := resolve(raw, base)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = stripWWW(strings.ToLower(u.Host))
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	out := u.String()
	if u.RawQuery == "" {
		out = strings.TrimSuffix(out, "/")
	} else if strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
		out = u.String()
	}
	return out, nil
}

// IsCrawlable reports whether raw points at an HTML page on the same site as
// base. Malformed URLs and denylisted extensions are rejected.
func IsCrawlable(raw, base string) bool {
	u, err := resolve(raw, base)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, skip := skippedExtensions[ext]; skip {
		return false
	}
	baseHost, err := hostOf(base)
	if err != nil {
		return false
	}
	return stripWWW(strings.ToLower(u.Hostname())) == baseHost
}

// BaseOrigin returns the canonical scheme://host origin of seed, used as the
// session's same-site reference.
func BaseOrigin(seed string) (string, error) {
	u, err := resolve(seed, "")
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + stripWWW(strings.ToLower(u.Host)), nil
}

func resolve(raw, base string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("%w: base: %v", ErrInvalidURL, err)
		}
		ref = b.ResolveReference(ref)
	}
	ref.Scheme = strings.ToLower(ref.Scheme)
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, ref.Scheme)
	}
	if ref.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return ref, nil
}

func hostOf(raw string) (string, error) {
	u, err := resolve(raw, "")
	if err != nil {
		return "", err
	}
	return stripWWW(strings.ToLower(u.Hostname())), nil
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
