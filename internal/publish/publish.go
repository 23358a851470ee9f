// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package publish moves converted parquet files into the target bucket with
// a staging copy step, and mirrors source objects into the backup bucket.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/admon/awscur-scripts/internal/convert"
	"github.com/admon/awscur-scripts/internal/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stagingPrefix = ".staging"

// metaSourceETag is the object metadata key recording which source object
// version a published file was derived from.
const metaSourceETag = "source-etag"

// DefaultRetries is the bounded attempt count for each publish step.
const DefaultRetries = 3

// Store is the object-store surface the publisher needs. *storage.Store
// satisfies it.
type Store interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader, metadata map[string]string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Head(ctx context.Context, bucket, key string) (storage.ObjectInfo, bool, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Source reads original export objects out of a payer's bucket. The
// pipeline's per-account store satisfies it.
type Source interface {
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// PublishedPartition records one parquet file landed in the target bucket.
type PublishedPartition struct {
	Bucket string
	Path   string
	Key    string
	Size   int64
}

// Manager publishes conversion results and backs up source objects.
type Manager struct {
	store        Store
	targetBucket string
	backupBucket string
	retries      int
	logger       *zap.Logger

	newStagingID func() string
}

// New creates a publish manager. retries <= 0 selects DefaultRetries.
func New(store Store, targetBucket, backupBucket string, retries int, logger *zap.Logger) *Manager {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &Manager{
		store:        store,
		targetBucket: targetBucket,
		backupBucket: backupBucket,
		retries:      retries,
		logger:       logger,
		newStagingID: uuid.NewString,
	}
}

// Publish lands a converted parquet file at its final partition key. If the
// destination already holds an object of the same key and size, derived from
// the same source object version, the publish is skipped. The file is first
// uploaded to a staging key and only made visible at the final key by a
// server-side copy, so readers never observe a partial object. Returns the
// published partition and whether the publish was skipped as already present.
func (m *Manager) Publish(ctx context.Context, res *convert.ConversionResult) (*PublishedPartition, bool, error) {
	finalKey := path.Join(res.PartitionPath, res.FileName)
	sourceETag := strings.Trim(res.Export.ETag, `"`)
	published := &PublishedPartition{
		Bucket: m.targetBucket,
		Path:   res.PartitionPath,
		Key:    finalKey,
		Size:   res.ByteSize,
	}

	info, exists, err := m.store.Head(ctx, m.targetBucket, finalKey)
	if err != nil {
		return nil, false, fmt.Errorf("probe destination %s: %w", finalKey, err)
	}
	if exists && info.Size == res.ByteSize && sourceETagCurrent(info.Metadata, sourceETag) {
		m.logger.Info("skipping publish, destination already current",
			zap.String("key", finalKey), zap.Int64("size", info.Size))
		return published, true, nil
	}

	stagingKey := path.Join(stagingPrefix, m.newStagingID(), finalKey)

	err = m.retry(ctx, func() error {
		f, err := os.Open(res.LocalPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open %s: %w", res.LocalPath, err))
		}
		defer f.Close()

		var metadata map[string]string
		if sourceETag != "" {
			metadata = map[string]string{metaSourceETag: sourceETag}
		}
		if err := m.store.Upload(ctx, m.targetBucket, stagingKey, f, metadata); err != nil {
			return err
		}
		if err := m.store.Copy(ctx, m.targetBucket, stagingKey, m.targetBucket, finalKey); err != nil {
			return err
		}

		info, ok, err := m.store.Head(ctx, m.targetBucket, finalKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("destination %s missing after copy", finalKey)
		}
		if info.Size != res.ByteSize {
			return fmt.Errorf("destination %s has size %d, want %d", finalKey, info.Size, res.ByteSize)
		}
		return nil
	})

	// The staging object is garbage either way.
	if derr := m.store.Delete(ctx, m.targetBucket, stagingKey); derr != nil {
		m.logger.Warn("failed to delete staging object",
			zap.String("key", stagingKey), zap.Error(derr))
	}

	if err != nil {
		return nil, false, fmt.Errorf("publish %s: %w", finalKey, err)
	}

	m.logger.Info("published partition file",
		zap.String("bucket", m.targetBucket),
		zap.String("key", finalKey),
		zap.Int64("size", res.ByteSize))

	return published, false, nil
}

// Backup mirrors a source object into the backup bucket under its key
// verbatim. The source bucket belongs to the payer account and is only
// readable through that account's credentials, so the object is streamed
// down through the scoped source store and re-uploaded with the process's
// own identity. Runs regardless of how conversion of the object went.
func (m *Manager) Backup(ctx context.Context, source Source, srcBucket, key string) error {
	err := m.retry(ctx, func() error {
		rc, err := source.Download(ctx, srcBucket, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		return m.store.Upload(ctx, m.backupBucket, key, rc, nil)
	})
	if err != nil {
		return fmt.Errorf("backup s3://%s/%s: %w", srcBucket, key, err)
	}

	m.logger.Debug("backed up source object",
		zap.String("bucket", srcBucket), zap.String("key", key))
	return nil
}

// sourceETagCurrent reports whether a destination object's recorded source
// etag still matches. Either side missing falls back to the size-only probe.
func sourceETagCurrent(metadata map[string]string, sourceETag string) bool {
	if sourceETag == "" {
		return true
	}
	stored, ok := metadata[metaSourceETag]
	if !ok || stored == "" {
		return true
	}
	return stored == sourceETag
}

func (m *Manager) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.retries-1)), ctx)
	return backoff.Retry(op, policy)
}
