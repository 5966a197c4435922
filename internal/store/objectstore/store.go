package objectstore

import (
	"context"
	"fmt"
	"strings"
)

// Store persists blobs and returns a URL clients can fetch them from.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Backend() string
}

func cleanKey(key string) (string, error) {
	k := strings.Trim(strings.TrimSpace(key), "/")
	if k == "" {
		return "", fmt.Errorf("object key is required")
	}
	return k, nil
}

func contentTypeOrDefault(ct string) string {
	if ct = strings.TrimSpace(ct); ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
