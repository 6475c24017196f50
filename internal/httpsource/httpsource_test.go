// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregjones/httpcache"
)

func testServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cached.png", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("png"))
	})
	mux.HandleFunc("/uncached.png", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte("png"))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>"))
	})
	mux.HandleFunc("/big.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 100))
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s, &hits
}

func TestSource_Get(t *testing.T) {
	server, hits := testServer(t)
	src, err := New(httpcache.NewMemoryCache(), http.DefaultTransport)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	tests := []struct {
		path   string
		wantOK bool
	}{
		{"/cached.png", true},
		{"/page.html", false},
		{"/missing.png", false},
	}
	for _, tt := range tests {
		got, ok := src.Get(server.URL + tt.path)
		if ok != tt.wantOK {
			t.Errorf("Get(%q) returned ok %v, want %v", tt.path, ok, tt.wantOK)
		}
		if ok && string(got) != "png" {
			t.Errorf("Get(%q) returned %q, want %q", tt.path, got, "png")
		}
	}

	for _, key := range []string{"relative.png", "ftp://example.com/a.png", "%zz"} {
		if _, ok := src.Get(key); ok {
			t.Errorf("Get(%q) returned ok for invalid url", key)
		}
	}

	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, want 1", n)
	}
}

func TestSource_Caching(t *testing.T) {
	server, hits := testServer(t)
	src, err := New(httpcache.NewMemoryCache(), http.DefaultTransport)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, ok := src.Get(server.URL + "/cached.png"); !ok {
			t.Fatal("Get(cached.png) failed")
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("cacheable image fetched %d times, want 1", n)
	}

	src.Delete(server.URL + "/cached.png")
	src.Get(server.URL + "/cached.png")
	if n := hits.Load(); n != 2 {
		t.Errorf("image fetched %d times after Delete, want 2", n)
	}

	hits.Store(0)
	for i := 0; i < 2; i++ {
		src.Get(server.URL + "/uncached.png")
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("uncacheable image fetched %d times, want 2", n)
	}
}

func TestSource_MinCache(t *testing.T) {
	server, hits := testServer(t)
	src, err := New(httpcache.NewMemoryCache(), http.DefaultTransport)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	src.MinCacheDuration = time.Hour

	for i := 0; i < 3; i++ {
		if _, ok := src.Get(server.URL + "/uncached.png"); !ok {
			t.Fatal("Get(uncached.png) failed")
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("image fetched %d times with minimum cache duration, want 1", n)
	}
}

func TestSource_MaxBytes(t *testing.T) {
	server, _ := testServer(t)
	src, err := New(nil, http.DefaultTransport)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	src.MaxBytes = 10
	if _, err := src.Fetch(context.Background(), server.URL+"/big.png"); err == nil {
		t.Error("Fetch of oversized image did not return an error")
	}
	src.MaxBytes = 100
	if b, err := src.Fetch(context.Background(), server.URL+"/big.png"); err != nil || len(b) != 100 {
		t.Errorf("Fetch returned %d bytes, %v; want 100 bytes", len(b), err)
	}
}

func TestIsImage(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"", true},
		{"image/png", true},
		{"image/jpeg; charset=binary", true},
		{"application/octet-stream", true},
		{"text/html", false},
		{";;", false},
	}
	for _, tt := range tests {
		if got := isImage(tt.contentType); got != tt.want {
			t.Errorf("isImage(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}
