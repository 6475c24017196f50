// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package httpsource provides an httpcache.Cache that treats keys as image
// URLs and fetches them over HTTP.
//
// Responses are cached in a backing httpcache.Cache following standard HTTP
// caching rules, so a source is only refetched once its response is stale.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	aia "github.com/fcjr/aia-transport-go"
	"github.com/golang/glog"
	"github.com/gregjones/httpcache"
	tphttp "willnorris.com/go/decodecache/third_party/httpcache"
)

// DefaultTimeout bounds each fetch.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the largest response body a Source will read.
const DefaultMaxBytes = 64 << 20

// Source fetches images by URL.  Get returns the body of a successful
// response with an image content type.  Set is not supported; Delete drops
// the cached response for a URL.
type Source struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64

	// MinCacheDuration, if set, is the shortest time a successful response
	// is cached for, whatever caching headers the origin sent.
	MinCacheDuration time.Duration

	cache httpcache.Cache
}

// New returns a Source caching responses in cache, which may be nil to
// disable caching.  If transport is nil, a transport that fetches missing
// intermediate certificates is used.
func New(cache httpcache.Cache, transport http.RoundTripper) (*Source, error) {
	if transport == nil {
		t, err := aia.NewTransport()
		if err != nil {
			return nil, fmt.Errorf("httpsource: creating transport: %w", err)
		}
		transport = t
	}
	s := &Source{
		UserAgent: "decodecache",
		Timeout:   DefaultTimeout,
		MaxBytes:  DefaultMaxBytes,
		cache:     cache,
	}
	if cache != nil {
		transport = &httpcache.Transport{
			Transport:           &minCacheTransport{Transport: transport, source: s},
			Cache:               cache,
			MarkCachedResponses: true,
		}
	}
	s.Client = &http.Client{Transport: transport}
	return s, nil
}

// minCacheTransport raises the max-age of successful responses to at least
// the source's MinCacheDuration before they reach the caching transport.
type minCacheTransport struct {
	Transport http.RoundTripper
	source    *Source
}

func (t *minCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	min := t.source.MinCacheDuration
	if err != nil || min <= 0 || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	cc := tphttp.ParseCacheControl(resp.Header)
	if cc.EnsureMaxAge(min) {
		resp.Header.Set("Cache-Control", cc.String())
		resp.Header.Del("Pragma")
		if glog.V(2) {
			glog.Infof("caching %s for %v", req.URL, min)
		}
	}
	return resp, nil
}

// Get fetches key, which must be an absolute http or https URL.
func (s *Source) Get(key string) ([]byte, bool) {
	b, err := s.Fetch(context.Background(), key)
	if err != nil {
		glog.Errorf("error fetching source image: %v", err)
		return nil, false
	}
	return b, true
}

// Fetch returns the body of the image at rawURL.
func (s *Source) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("not an absolute http url: %q", rawURL)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%q returned status: %v", rawURL, resp.Status)
	}
	if !isImage(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%q returned content type %q, not an image", rawURL, resp.Header.Get("Content-Type"))
	}

	max := s.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%q is larger than %d bytes", rawURL, max)
	}

	if glog.V(1) {
		glog.Infof("fetched %s (%d bytes, served from cache: %v)", rawURL, len(b), resp.Header.Get(httpcache.XFromCache) == "1")
	}
	return b, nil
}

// isImage reports whether contentType is an image type.  A missing content
// type is allowed; the decoder sniffs the format anyway.
func isImage(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/") || mt == "application/octet-stream"
}

// Set is not supported and only logs a warning.
func (s *Source) Set(key string, value []byte) {
	glog.Warningf("httpsource: ignoring Set(%q); http sources are read only", key)
}

// Delete removes any cached response for key.
func (s *Source) Delete(key string) {
	if s.cache != nil {
		s.cache.Delete(key)
	}
}
