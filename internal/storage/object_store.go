package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"clinicportal/internal/config"
)

// ObjectCache implements named content caches on an S3-compatible bucket.
// Every cache is a prefix "<profile>/<cache>/" holding cached responses.
type ObjectCache struct {
	client  *minio.Client
	cfg     config.ObjectCacheConfig
	profile string
}

func NewObjectCache(cfg config.ObjectCacheConfig, profile string) (*ObjectCache, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectCache{
		client:  client,
		cfg:     cfg,
		profile: profile,
	}, nil
}

func (s *ObjectCache) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

// Put stores one cached entry under the named cache.
func (s *ObjectCache) Put(ctx context.Context, cache string, key string, data []byte, contentType string) error {
	objectKey := path.Join(s.profile, cache, key)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	return nil
}

// Names lists the caches that currently hold at least one entry.
func (s *ObjectCache) Names(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := s.profile + "/"
	var names []string
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list caches: %w", obj.Err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		if name != "" && strings.HasSuffix(obj.Key, "/") {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes every entry of the named cache. It reports whether the
// cache had any entries.
func (s *ObjectCache) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var entries []minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    path.Join(s.profile, name) + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("list cache %s: %w", name, obj.Err)
		}
		entries = append(entries, obj)
	}
	if len(entries) == 0 {
		return false, nil
	}

	objects := make(chan minio.ObjectInfo, len(entries))
	for _, obj := range entries {
		objects <- obj
	}
	close(objects)

	var firstErr error
	for rmErr := range s.client.RemoveObjects(ctx, s.cfg.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", rmErr.ObjectName, rmErr.Err)
		}
	}
	return true, firstErr
}
