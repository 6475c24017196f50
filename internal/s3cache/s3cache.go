// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides an httpcache.Cache implementation that stores
// encoded source images on Amazon S3 or an S3 compatible service.
//
// Objects hold the raw image bytes.  When a TTL is configured, the expiry
// time is kept in the object's user metadata and expired objects are treated
// as missing and removed.
package s3cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/golang/glog"
)

// expiresKey is the user metadata key holding an object's expiry time.
const expiresKey = "Decodecache-Expires"

// Store is an httpcache.Cache backed by an S3 bucket.
type Store struct {
	client         s3iface.S3API
	bucket, prefix string
	ttl            time.Duration

	now func() time.Time
}

// Get returns the bytes stored for key.
func (s *Store) Get(key string) ([]byte, bool) {
	name := s.objectName(key)
	resp, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var aerr awserr.Error
		if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
			glog.Errorf("error fetching %s from s3: %v", name, err)
		}
		return nil, false
	}
	defer resp.Body.Close()

	if s.expired(resp.Metadata) {
		glog.V(1).Infof("s3 object %s has expired", name)
		s.Delete(key)
		return nil, false
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		glog.Errorf("error reading %s from s3: %v", name, err)
		return nil, false
	}
	return b, true
}

func (s *Store) expired(md map[string]*string) bool {
	v := md[expiresKey]
	if v == nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		glog.Warningf("ignoring malformed s3 expiry %q: %v", *v, err)
		return false
	}
	return s.now().After(t)
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) {
	name := s.objectName(key)
	input := &s3.PutObjectInput{
		Body:   aws.ReadSeekCloser(bytes.NewReader(value)),
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	}
	if s.ttl > 0 {
		input.Metadata = map[string]*string{
			expiresKey: aws.String(s.now().Add(s.ttl).UTC().Format(time.RFC3339)),
		}
	}

	if _, err := s.client.PutObject(input); err != nil {
		glog.Errorf("error writing %s to s3: %v", name, err)
	}
}

// Delete removes key.
func (s *Store) Delete(key string) {
	name := s.objectName(key)
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		glog.Errorf("error deleting %s from s3: %v", name, err)
	}
}

// objectName maps an image ID, which may be any string, to an object name.
func (s *Store) objectName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return path.Join(s.prefix, hex.EncodeToString(sum[:]))
}

// New constructs a Store configured using the provided URL string, which
// should be of the form "s3://region/bucket/optional-path-prefix".
//
// Supported query parameters:
//
//	endpoint=HOST        use an S3 compatible service
//	disableSSL=1         connect to endpoint over plain http
//	s3ForcePathStyle=1   use path style bucket addressing
//	ttl=DURATION         expire objects after DURATION (e.g. 72h)
func New(s string) (*Store, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("s3cache: unexpected scheme %q", u.Scheme)
	}

	region := u.Host
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	bucket := parts[0]
	if bucket == "" {
		return nil, fmt.Errorf("s3cache: no bucket in %q", s)
	}
	var prefix string
	if len(parts) > 1 {
		prefix = parts[1]
	}

	q := u.Query()
	var ttl time.Duration
	if v := q.Get("ttl"); v != "" {
		if ttl, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("s3cache: invalid ttl: %w", err)
		}
	}

	config := aws.NewConfig().WithRegion(region)
	if v := q.Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if q.Get("disableSSL") == "1" {
		config = config.WithDisableSSL(true)
	}
	if q.Get("s3ForcePathStyle") == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}
	return newStore(s3.New(sess), bucket, prefix, ttl), nil
}

func newStore(client s3iface.S3API, bucket, prefix string, ttl time.Duration) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}
