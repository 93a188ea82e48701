package labels

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultURL serves the ImageNet class index used by the ResNet-50 graph.
const DefaultURL = "https://storage.googleapis.com/download.tensorflow.org/data/imagenet_class_index.json"

// ErrUnavailable is returned when no cached catalog exists and fetching
// one failed.
var ErrUnavailable = errors.New("label catalog unavailable")

// Loader reads the catalog from Path, downloading it from URL and caching it
// at Path the first time.
type Loader struct {
	Path string
	URL  string
	// Client defaults to a resty client with a 30s timeout.
	Client *resty.Client
	// MaxElapsed bounds retries of the download. Zero means 1 minute.
	MaxElapsed time.Duration
}

func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	data, err := os.ReadFile(l.Path)
	switch {
	case err == nil:
		c, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("cached catalog %s: %w", l.Path, err)
		}
		log.WithFields(log.Fields{"path": l.Path, "classes": c.Len()}).Info("[Labels] Loaded cached catalog")
		return c, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read label catalog: %w", err)
	}

	log.WithField("url", l.URL).Info("[Labels] No cached catalog, downloading...")
	data, err = l.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: downloaded catalog: %v", ErrUnavailable, err)
	}
	if err := writeAtomic(l.Path, data); err != nil {
		return nil, fmt.Errorf("failed to cache label catalog: %w", err)
	}

	log.WithFields(log.Fields{"path": l.Path, "classes": c.Len()}).Info("[Labels] Downloaded and cached catalog")
	return c, nil
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = time.Minute
	if l.MaxElapsed > 0 {
		b.MaxElapsedTime = l.MaxElapsed
	}

	var body []byte
	err := backoff.Retry(func() error {
		resp, err := client.R().SetContext(ctx).Get(l.URL)
		if err != nil {
			log.WithError(err).Warn("[Labels] Download failed")
			return err
		}
		if resp.IsError() {
			err := fmt.Errorf("GET %s: %s", l.URL, resp.Status())
			log.WithError(err).Warn("[Labels] Download failed")
			if resp.StatusCode() < http.StatusInternalServerError && resp.StatusCode() != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		body = resp.Body()
		return nil
	}, backoff.WithContext(b, ctx))
	return body, err
}

// writeAtomic stores data verbatim at path via a rename so a crash never
// leaves a truncated catalog behind.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
