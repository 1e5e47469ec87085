// Package fetch downloads package archives with sha256 verification,
// bounded retries and atomic placement of the result.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
)

var (
	// ErrChecksumMismatch means downloaded content did not match the
	// expected sha256. Never retried: a mismatch is corruption or
	// tampering, not transience.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrExhausted means every transport attempt failed.
	ErrExhausted = errors.New("fetch attempts exhausted")
)

// Default retry tuning: 6 attempts, 15 seconds apart.
const (
	DefaultAttempts      = 6
	DefaultRetryInterval = 15 * time.Second
)

// Fetcher downloads URLs to local paths with verification.
type Fetcher struct {
	client *http.Client

	// Attempts is the total number of transport attempts per fetch.
	Attempts int

	// RetryInterval is the fixed delay between attempts.
	RetryInterval time.Duration
}

// New creates a Fetcher with default retry tuning.
func New() *Fetcher {
	return &Fetcher{
		client:        &http.Client{},
		Attempts:      DefaultAttempts,
		RetryInterval: DefaultRetryInterval,
	}
}

// Fetch downloads url to dest, verifying the content against the
// sha256hex checksum when one is given.
//
// If dest already exists with a matching checksum the fetch is a no-op
// (no network access). The download lands in a temporary file that
// atomically replaces dest on success, so a partial file is never
// observable at dest.
func (f *Fetcher) Fetch(ctx context.Context, url, dest, sha256hex string) error {
	if sha256hex == "" {
		logger.Warn("fetching without checksum, content will not be verified", "url", url)
	} else if ok, err := fileMatches(dest, sha256hex); err == nil && ok {
		logger.Debug("destination already verified, skipping download", "dest", dest)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(f.RetryInterval),
			uint64(f.Attempts-1),
		),
		ctx,
	)

	attempt := 0
	op := func() error {
		attempt++
		err := f.download(ctx, url, dest, sha256hex)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrChecksumMismatch) {
			// Integrity failure, not transience
			return backoff.Permanent(err)
		}
		logger.Warn("fetch attempt failed",
			"url", url, "attempt", attempt, "max_attempts", f.Attempts, "error", err)
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			return fmt.Errorf("fetch %s: %w", url, ErrChecksumMismatch)
		}
		return fmt.Errorf("fetch %s: %w: %v", url, ErrExhausted, err)
	}
	return nil
}

// download performs one transport attempt.
func (f *Fetcher) download(ctx context.Context, url, dest, sha256hex string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name()) // no-op after successful rename
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if sha256hex != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != sha256hex {
			return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, sha256hex)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	logger.Info("fetched", "url", url, "dest", dest)
	return nil
}

// fileMatches reports whether path exists and hashes to sha256hex.
func fileMatches(path, sha256hex string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return false, err
	}
	return hex.EncodeToString(hasher.Sum(nil)) == sha256hex, nil
}
