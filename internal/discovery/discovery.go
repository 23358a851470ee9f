// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package discovery enumerates unprocessed export objects in a payer
// account's source bucket.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/admon/awscur-scripts/internal/catalog"
	"github.com/admon/awscur-scripts/internal/storage"
	"go.uber.org/zap"
)

// Granularity labels, matching the catalog's per-account export directories.
const (
	GranularityMonthly = "monthly"
	GranularityDaily   = "daily"
	GranularityHourly  = "hourly"
)

const billingPeriodToken = "BILLING_PERIOD="

// ExportObject is one discovered source object. (account id, Key) is the
// pipeline's idempotency key.
type ExportObject struct {
	Key           string
	Size          int64
	ETag          string
	LastModified  time.Time
	BillingPeriod string
	Granularity   string
}

// Lister is the object-listing surface discovery needs. *storage.Store
// satisfies it.
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error)
}

// Options narrow a discovery pass.
type Options struct {
	// Tier restricts listing to one granularity. Empty means all configured
	// granularities.
	Tier string
	// PathFilter keeps only keys containing this path segment, e.g.
	// "BILLING_PERIOD=2024-01".
	PathFilter string
	// Watermark drops objects modified before it. Zero means a full sync.
	Watermark time.Time
}

// Discovery lists export objects per account and granularity.
type Discovery struct {
	store  Lister
	logger *zap.Logger
	now    func() time.Time
}

// New creates an export discovery over the given lister.
func New(store Lister, logger *zap.Logger) *Discovery {
	return &Discovery{store: store, logger: logger, now: time.Now}
}

// Discover enumerates the account's export objects across its configured
// granularity directories. An account with nothing new returns an empty
// slice and no error. The result is de-duplicated by key and sorted
// ascending by (billing period, last modified, key).
func (d *Discovery) Discover(ctx context.Context, account catalog.AccountDescriptor, opts Options) ([]ExportObject, error) {
	seen := make(map[string]struct{})
	var exports []ExportObject

	for _, granularity := range []string{GranularityMonthly, GranularityDaily, GranularityHourly} {
		dir := account.DirForTier(granularity)
		if dir == "" {
			continue
		}
		if opts.Tier != "" && opts.Tier != granularity {
			continue
		}

		prefix := strings.TrimSuffix(dir, "/") + "/"
		objects, err := d.store.List(ctx, account.Bucket, prefix)
		if err != nil {
			return nil, fmt.Errorf("discover %s exports for account %s: %w", granularity, account.AccountID, err)
		}

		for _, obj := range objects {
			exp, keep := d.classify(obj, granularity, opts)
			if !keep {
				continue
			}
			if _, dup := seen[exp.Key]; dup {
				continue
			}
			seen[exp.Key] = struct{}{}
			exports = append(exports, exp)
		}
	}

	sort.Slice(exports, func(i, j int) bool {
		a, b := exports[i], exports[j]
		if a.BillingPeriod != b.BillingPeriod {
			return a.BillingPeriod < b.BillingPeriod
		}
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.Before(b.LastModified)
		}
		return a.Key < b.Key
	})

	d.logger.Info("discovery complete",
		zap.String("account_id", account.AccountID),
		zap.Int("objects", len(exports)))

	return exports, nil
}

// classify decides whether a listed object is a processable export.
func (d *Discovery) classify(obj storage.ObjectInfo, granularity string, opts Options) (ExportObject, bool) {
	if !strings.HasSuffix(obj.Key, ".gz") {
		return ExportObject{}, false
	}
	if strings.Contains(obj.Key, "/metadata/") {
		return ExportObject{}, false
	}
	if !opts.Watermark.IsZero() && obj.LastModified.Before(opts.Watermark) {
		return ExportObject{}, false
	}
	if opts.PathFilter != "" && !strings.Contains(obj.Key, opts.PathFilter) {
		return ExportObject{}, false
	}

	period, ok := parseBillingPeriod(obj.Key)
	if !ok {
		d.logger.Debug("skipping object without billing period", zap.String("key", obj.Key))
		return ExportObject{}, false
	}
	// Exports dated in the future are artifacts of clock skew on the
	// producing side; pick them up once their period arrives.
	if period > d.now().UTC().Format("2006-01") {
		d.logger.Debug("skipping future billing period",
			zap.String("key", obj.Key), zap.String("billing_period", period))
		return ExportObject{}, false
	}

	return ExportObject{
		Key:           obj.Key,
		Size:          obj.Size,
		ETag:          obj.ETag,
		LastModified:  obj.LastModified,
		BillingPeriod: period,
		Granularity:   granularity,
	}, true
}

// parseBillingPeriod extracts the YYYY-MM value of the BILLING_PERIOD= path
// segment.
func parseBillingPeriod(key string) (string, bool) {
	i := strings.Index(key, billingPeriodToken)
	if i < 0 {
		return "", false
	}
	rest := key[i+len(billingPeriodToken):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	if len(rest) < 7 {
		return "", false
	}
	return rest[:7], true
}
