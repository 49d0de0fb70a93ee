// Package catalog loads the published recovery image lists and merges them
// into a single ordered sequence.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/fetch"
	"github.com/recoverytools/rflash/pkg/image"
)

// Default endpoints for the ChromeOS and CloudReady recovery catalogs.
const (
	ChromeOSURL   = "https://dl.google.com/dl/edgedl/chromeos/recovery/recovery2.json"
	CloudReadyURL = "https://dl.google.com/dl/edgedl/chromeos/recovery/cloudready_recovery2.json"
)

// DefaultURLs lists the endpoints merged when none are configured.
var DefaultURLs = []string{ChromeOSURL, CloudReadyURL}

// Load fetches every URL in parallel and concatenates the decoded images in
// URL order. Any failing endpoint fails the whole load.
func Load(ctx context.Context, f fetch.Fetcher, urls ...string) ([]image.RecoveryImage, error) {
	if len(urls) == 0 {
		urls = DefaultURLs
	}

	slog.Info("catalog_load_start", "endpoints", len(urls))

	results := make([][]image.RecoveryImage, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			images, err := loadOne(gctx, f, u)
			if err != nil {
				return err
			}
			results[i] = images
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("catalog_load_failed", "error", err)
		return nil, errors.Classify(errors.KindFetchFailed, "catalog_load", "Failed to fetch recovery images", err)
	}

	var merged []image.RecoveryImage
	for _, images := range results {
		merged = append(merged, images...)
	}

	slog.Info("catalog_load_complete", "endpoints", len(urls), "images", len(merged))
	return merged, nil
}

func loadOne(ctx context.Context, f fetch.Fetcher, url string) ([]image.RecoveryImage, error) {
	s, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "fetch "+url)
	}
	defer s.Body.Close()

	var images []image.RecoveryImage
	if err := json.NewDecoder(s.Body).Decode(&images); err != nil {
		return nil, errors.Wrap(err, "decode "+url)
	}

	slog.Info("catalog_endpoint_loaded", "url", url, "images", len(images))
	return images, nil
}

// Find returns the first image whose name or model equals key, ignoring
// case.
func Find(images []image.RecoveryImage, key string) (image.RecoveryImage, error) {
	key = strings.TrimSpace(key)
	for _, img := range images {
		if strings.EqualFold(img.Name, key) || strings.EqualFold(img.Model, key) {
			return img, nil
		}
	}
	return image.RecoveryImage{}, fmt.Errorf("no recovery image matches %q", key)
}

// Filter returns the images whose name, model or manufacturer contains
// query, ignoring case. An empty query returns all images.
func Filter(images []image.RecoveryImage, query string) []image.RecoveryImage {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return images
	}

	var out []image.RecoveryImage
	for _, img := range images {
		if strings.Contains(strings.ToLower(img.Name), query) ||
			strings.Contains(strings.ToLower(img.Model), query) ||
			strings.Contains(strings.ToLower(img.Manufacturer), query) {
			out = append(out, img)
		}
	}
	return out
}

// Manufacturers returns the distinct manufacturers in sorted order.
func Manufacturers(images []image.RecoveryImage) []string {
	seen := make(map[string]struct{})
	for _, img := range images {
		if img.Manufacturer != "" {
			seen[img.Manufacturer] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
