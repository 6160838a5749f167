// Package backup periodically uploads the follower's persisted checkpoint
// to a GCS bucket, so a new replica can be seeded near the current tick
// instead of replaying the master's entire log from scratch (spec.md §9
// supplemented feature #2).
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/estuary/dbfollower/follower"
)

// Uploader periodically writes the current ApplierState to a well-known
// object in a GCS bucket.
type Uploader struct {
	client   *gcs.Client
	bucket   string
	object   string
	interval time.Duration
}

// New builds an Uploader. object is the bucket-relative path the
// checkpoint is written to (overwritten on every upload).
func New(ctx context.Context, bucket, object string, interval time.Duration) (*Uploader, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building GCS client: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Uploader{client: client, bucket: bucket, object: object, interval: interval}, nil
}

func (u *Uploader) Close() error { return u.client.Close() }

// Run uploads snapshot() on a fixed interval until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context, snapshot func() follower.State) error {
	var ticker = time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := u.upload(ctx, snapshot()); err != nil {
				return err
			}
		}
	}
}

func (u *Uploader) upload(ctx context.Context, state follower.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding checkpoint backup: %w", err)
	}
	var w = u.client.Bucket(u.bucket).Object(u.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("writing checkpoint backup: %w", err)
	}
	return w.Close()
}

// Restore fetches the most recently uploaded checkpoint, for seeding a
// fresh replica that has no local state.
func Restore(ctx context.Context, client *gcs.Client, bucket, object string) (follower.State, error) {
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return follower.State{}, fmt.Errorf("opening checkpoint backup: %w", err)
	}
	defer r.Close()
	var state follower.State
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return follower.State{}, fmt.Errorf("decoding checkpoint backup: %w", err)
	}
	return state, nil
}
