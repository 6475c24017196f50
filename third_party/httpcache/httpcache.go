// Package httpcache parses and rewrites Cache-Control headers.  It holds the
// header handling from github.com/gregjones/httpcache, which that package
// does not export.
package httpcache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds Cache-Control directives, keyed by lower cased name.
// Directives without a value map to the empty string.
type CacheControl map[string]string

// ParseCacheControl parses the Cache-Control header in headers.
func ParseCacheControl(headers http.Header) CacheControl {
	cc := CacheControl{}
	ccHeader := headers.Get("Cache-Control")
	for _, part := range strings.Split(ccHeader, ",") {
		part = strings.Trim(part, " ")
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			cc[strings.ToLower(strings.Trim(k, " "))] = strings.Trim(v, ", \"")
		} else {
			cc[strings.ToLower(part)] = ""
		}
	}
	return cc
}

// MaxAge returns the max-age directive, and whether it was present and
// valid.
func (cc CacheControl) MaxAge() (time.Duration, bool) {
	v, ok := cc["max-age"]
	if !ok {
		return 0, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// EnsureMaxAge makes the response described by cc cacheable for at least
// min.  It reports whether cc changed.
func (cc CacheControl) EnsureMaxAge(min time.Duration) bool {
	if min <= 0 {
		return false
	}
	changed := false
	for _, d := range []string{"no-store", "no-cache", "must-revalidate"} {
		if _, ok := cc[d]; ok {
			delete(cc, d)
			changed = true
		}
	}
	if age, ok := cc.MaxAge(); !ok || age < min {
		cc["max-age"] = strconv.FormatInt(int64(min/time.Second), 10)
		changed = true
	}
	return changed
}

func (cc CacheControl) String() string {
	parts := make([]string, 0, len(cc))
	for k, v := range cc {
		if v == "" {
			parts = append(parts, k)
		} else {
			parts = append(parts, k+"="+v)
		}
	}
	sort.StringSlice(parts).Sort()
	return strings.Join(parts, ", ")
}
