package erebus

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store is Erebus: where pipeline artifacts (raw trips, series, forecasts,
// reports) are kept between stages.
//
// Get on a missing key returns an error matching os.ErrNotExist.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// cleanKey normalizes an artifact key to a relative slash path and rejects
// keys that would escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	if strings.HasPrefix(key, "../") || strings.Contains(key, "/../") || key == ".." {
		return "", fmt.Errorf("artifact key %q escapes the store root", key)
	}
	return cleaned, nil
}
