// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PaulARoy/azurestoragecache"
	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/gomodule/redigo/redis"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"willnorris.com/go/decodecache/internal/gcscache"
	"willnorris.com/go/decodecache/internal/httpsource"
	"willnorris.com/go/decodecache/internal/s3cache"
	"willnorris.com/go/decodecache/internal/ttldiskcache"
)

const defaultMemorySize = 100

// tieredSource allows specifying multiple source stores via flags.  Stores
// are tried in the order given, using the twotier package.  The special
// value "http" fetches image IDs as URLs, caching responses in the stores
// listed before it.
type tieredSource struct {
	httpcache.Cache
	specs []string
	http  []*httpsource.Source
}

func (ts *tieredSource) String() string {
	return strings.Join(ts.specs, " ")
}

func (ts *tieredSource) Set(value string) error {
	for _, v := range strings.Fields(value) {
		if v == "http" {
			src, err := httpsource.New(ts.Cache, nil)
			if err != nil {
				return err
			}
			ts.Cache = src
			ts.specs = append(ts.specs, v)
			ts.http = append(ts.http, src)
			continue
		}

		c, err := parseSource(v)
		if err != nil {
			return err
		}
		if ts.Cache == nil {
			ts.Cache = c
		} else {
			ts.Cache = twotier.New(ts.Cache, c)
		}
		ts.specs = append(ts.specs, v)
	}
	return nil
}

// setMinCacheDuration sets the minimum cache duration of every http tier.
func (ts *tieredSource) setMinCacheDuration(d time.Duration) {
	for _, src := range ts.http {
		src.MinCacheDuration = d
	}
}

// parseSource parses s and returns the specified store.
func parseSource(s string) (httpcache.Cache, error) {
	if s == "memory" {
		s = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("error parsing source flag: %w", err)
	}

	switch u.Scheme {
	case "azure":
		return azurestoragecache.New("", "", u.Host)
	case "gcs":
		return gcscache.New(context.Background(), u.Host, strings.TrimPrefix(u.Path, "/"))
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "s3":
		return s3cache.New(u.String())
	case "ttlfile":
		ttl, err := time.ParseDuration(u.Query().Get("ttl"))
		if err != nil {
			return nil, fmt.Errorf("invalid ttl in %q: %w", s, err)
		}
		return ttldiskcache.New(u.Path, ttl), nil
	case "file":
		return diskCache(u.Path), nil
	case "":
		return diskCache(s), nil
	}
	return nil, fmt.Errorf("unknown source type %q", u.Scheme)
}

// lruCache creates an LRU store with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
