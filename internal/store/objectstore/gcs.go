package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gcsapi "google.golang.org/api/storage/v1"
)

type GCSStore struct {
	bucket        string
	service       *gcsapi.Service
	publicBaseURL string
}

func NewGCSStore(ctx context.Context, bucket, publicBaseURL string, opts ...option.ClientOption) (*GCSStore, error) {
	trimmed := strings.TrimSpace(bucket)
	if trimmed == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	if _, err := service.Buckets.Get(trimmed).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com/" + trimmed
	}
	return &GCSStore{bucket: trimmed, service: service, publicBaseURL: publicBaseURL}, nil
}

func (s *GCSStore) Backend() string { return "gcs" }

func (s *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	object := &gcsapi.Object{Name: k, ContentType: contentTypeOrDefault(contentType)}
	if _, err := s.service.Objects.Insert(s.bucket, object).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("write gcs object %q: %w", k, err)
	}
	return joinURL(s.publicBaseURL, k), nil
}
