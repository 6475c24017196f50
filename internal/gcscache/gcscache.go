// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcscache provides an httpcache.Cache implementation that stores
// encoded source images on Google Cloud Storage.
package gcscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
)

// DefaultTimeout bounds each storage operation.
const DefaultTimeout = 30 * time.Second

// objectHandle is the subset of *storage.ObjectHandle used by Store.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

type bucketHandle interface {
	Object(name string) objectHandle
}

// Store is an httpcache.Cache backed by a GCS bucket.
type Store struct {
	bucket  bucketHandle
	prefix  string
	timeout time.Duration
}

// Get returns the bytes stored for key.  Empty objects are reported as
// missing, since no encoded image is zero bytes long.
func (s *Store) Get(key string) ([]byte, bool) {
	ctx, cancel := s.context()
	defer cancel()

	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			glog.Errorf("error reading %q from gcs: %v", key, err)
		}
		return nil, false
	}
	defer r.Close()

	value, err := io.ReadAll(r)
	if err != nil {
		glog.Errorf("error reading %q from gcs: %v", key, err)
		return nil, false
	}
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) {
	ctx, cancel := s.context()
	defer cancel()

	w := s.object(key).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		glog.Errorf("error writing %q to gcs: %v", key, err)
	}
	if err := w.Close(); err != nil {
		glog.Errorf("error closing gcs object writer for %q: %v", key, err)
	}
}

// Delete removes key.
func (s *Store) Delete(key string) {
	ctx, cancel := s.context()
	defer cancel()

	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		glog.Errorf("error deleting %q from gcs: %v", key, err)
	}
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) object(key string) objectHandle {
	return s.bucket.Object(objectName(s.prefix, key))
}

func objectName(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return path.Join(prefix, hex.EncodeToString(sum[:]))
}

// gcsBucket adapts *storage.BucketHandle to bucketHandle.
type gcsBucket struct {
	*storage.BucketHandle
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

type gcsObject struct {
	*storage.ObjectHandle
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	return o.ObjectHandle.NewWriter(ctx)
}

// New constructs a Store keeping objects in the named GCS bucket, under
// prefix if it is not empty.  Credentials are found using Application
// Default Credentials (see
// https://cloud.google.com/docs/authentication/production).
func New(ctx context.Context, bucket, prefix string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return newStore(gcsBucket{client.Bucket(bucket)}, prefix), nil
}

func newStore(bucket bucketHandle, prefix string) *Store {
	return &Store{bucket: bucket, prefix: prefix, timeout: DefaultTimeout}
}
