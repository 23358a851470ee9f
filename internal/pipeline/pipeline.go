// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package pipeline drives the per-account sync: credentials, discovery,
// conversion, publish, backup, and the end-of-run retention sweep.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/admon/awscur-scripts/internal/awsauth"
	"github.com/admon/awscur-scripts/internal/catalog"
	"github.com/admon/awscur-scripts/internal/config"
	"github.com/admon/awscur-scripts/internal/convert"
	"github.com/admon/awscur-scripts/internal/discovery"
	"github.com/admon/awscur-scripts/internal/notify"
	"github.com/admon/awscur-scripts/internal/publish"
	"github.com/admon/awscur-scripts/internal/retention"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is an account's position in its processing lifecycle.
type State string

const (
	StatePending            State = "pending"
	StateCredentialAcquired State = "credential_acquired"
	StateDiscovering        State = "discovering"
	StateConverting         State = "converting"
	StatePublishing         State = "publishing"
	StateBackingUp          State = "backing_up"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// ObjectError records one failed object operation.
type ObjectError struct {
	Key   string
	Stage string
	Err   string
}

// AccountSummary is the terminal record for one account.
type AccountSummary struct {
	AccountID  string
	State      State
	FailReason string
	Discovered int
	Converted  int
	Published  int
	BackedUp   int
	Skipped    int
	Failed     int
	Errors     []ObjectError
	Elapsed    time.Duration
}

// RunSummary aggregates a whole run.
type RunSummary struct {
	Accounts       []AccountSummary
	Discovered     int
	Converted      int
	Published      int
	BackedUp       int
	Skipped        int
	FailedObjects  int
	FailedAccounts int
	Retention      retention.Stats
	Elapsed        time.Duration
}

// String renders the summary for the console and the notification sink.
func (r *RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cursync: %d accounts in %s: discovered %d, converted %d, published %d, backed up %d, skipped %d, failed objects %d, failed accounts %d",
		len(r.Accounts), r.Elapsed.Round(time.Second),
		r.Discovered, r.Converted, r.Published, r.BackedUp,
		r.Skipped, r.FailedObjects, r.FailedAccounts)
	for _, a := range r.Accounts {
		if a.State == StateFailed {
			fmt.Fprintf(&b, "\n  %s failed: %s", a.AccountID, a.FailReason)
		}
	}
	return b.String()
}

// AccountLister loads the payer accounts to process.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]catalog.AccountDescriptor, error)
}

// CredentialSource issues and retires per-account credentials.
type CredentialSource interface {
	Acquire(ctx context.Context, account catalog.AccountDescriptor) (*awsauth.ScopedCredentials, error)
	Release(*awsauth.ScopedCredentials)
}

// SourceStore is the per-account view of the source bucket.
type SourceStore interface {
	discovery.Lister
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// SourceStoreFactory builds a source store bound to one account's scoped
// credentials.
type SourceStoreFactory func(ctx context.Context, creds *awsauth.ScopedCredentials, region string) (SourceStore, error)

// Converter turns one export object into a local parquet file.
type Converter interface {
	Convert(ctx context.Context, accountID string, exp discovery.ExportObject, src io.Reader) (*convert.ConversionResult, error)
}

// Publisher lands parquet files in the target bucket and mirrors source
// objects to the backup bucket. Backup reads through the account-scoped
// source store because the payer bucket is not visible to the process's own
// identity.
type Publisher interface {
	Publish(ctx context.Context, res *convert.ConversionResult) (*publish.PublishedPartition, bool, error)
	Backup(ctx context.Context, source publish.Source, srcBucket, key string) error
}

// Sweeper ages out local artifacts after all account work is done.
type Sweeper interface {
	Sweep() retention.Stats
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Accounts    AccountLister
	Credentials CredentialSource
	SourceStore SourceStoreFactory
	Converter   Converter
	Publisher   Publisher
	Sweeper     Sweeper
	Sink        notify.Sink
}

// Orchestrator runs the sync across all catalog accounts with a bounded
// worker pool. Object failures never fail their account; account failures
// never fail the run.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New creates a pipeline orchestrator.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// Run executes one full sync pass and returns its summary. The returned
// error is non-nil only for run-level failures such as an unreachable
// catalog.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	start := o.now()

	if o.cfg.RunTimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.RunTimeoutMinutes)*time.Minute)
		defer cancel()
	}

	accounts, err := o.deps.Accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog accounts: %w", err)
	}
	if o.cfg.PayerID != "" {
		accounts = filterAccounts(accounts, o.cfg.PayerID)
	}

	o.logger.Info("starting sync run",
		zap.Int("accounts", len(accounts)),
		zap.Int("max_parallel", o.cfg.MaxParallelAccounts),
		zap.Bool("full_sync", o.cfg.FullSync))

	var watermark time.Time
	if !o.cfg.FullSync {
		watermark = start.Add(-time.Duration(o.cfg.SyncWindowHours) * time.Hour)
	}

	summaries := make([]AccountSummary, len(accounts))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelAccounts)

	for i, account := range accounts {
		g.Go(func() error {
			summaries[i] = o.processAccount(ctx, account, watermark)
			return nil
		})
	}
	_ = g.Wait()

	summary := &RunSummary{Accounts: summaries}
	for _, a := range summaries {
		summary.Discovered += a.Discovered
		summary.Converted += a.Converted
		summary.Published += a.Published
		summary.BackedUp += a.BackedUp
		summary.Skipped += a.Skipped
		summary.FailedObjects += a.Failed
		if a.State == StateFailed {
			summary.FailedAccounts++
		}
	}

	// Retention runs only once every account has finished.
	if o.deps.Sweeper != nil {
		summary.Retention = o.deps.Sweeper.Sweep()
	}

	summary.Elapsed = o.now().Sub(start)

	if o.deps.Sink != nil {
		if err := o.deps.Sink.Post(ctx, summary.String()); err != nil {
			o.logger.Warn("failed to deliver run summary", zap.Error(err))
		}
	}

	o.logger.Info("sync run complete",
		zap.Duration("elapsed", summary.Elapsed),
		zap.Int("published", summary.Published),
		zap.Int("failed_objects", summary.FailedObjects),
		zap.Int("failed_accounts", summary.FailedAccounts))

	return summary, nil
}

// processAccount walks one account through its lifecycle. Always returns a
// terminal summary, never panics the pool.
func (o *Orchestrator) processAccount(ctx context.Context, account catalog.AccountDescriptor, watermark time.Time) AccountSummary {
	start := o.now()
	summary := AccountSummary{AccountID: account.AccountID, State: StatePending}
	logger := o.logger.With(zap.String("account_id", account.AccountID))

	fail := func(reason string, err error) AccountSummary {
		summary.State = StateFailed
		summary.FailReason = fmt.Sprintf("%s: %v", reason, err)
		summary.Elapsed = o.now().Sub(start)
		logger.Error("account failed", zap.String("reason", reason), zap.Error(err))
		return summary
	}

	creds, err := o.deps.Credentials.Acquire(ctx, account)
	if err != nil {
		return fail("acquire credentials", err)
	}
	defer o.deps.Credentials.Release(creds)
	summary.State = StateCredentialAcquired

	source, err := o.deps.SourceStore(ctx, creds, account.Region)
	if err != nil {
		return fail("create source store", err)
	}

	summary.State = StateDiscovering
	disc := discovery.New(source, logger)
	exports, err := disc.Discover(ctx, account, discovery.Options{
		Tier:       o.cfg.Tier,
		PathFilter: o.cfg.PathFilter,
		Watermark:  watermark,
	})
	if err != nil {
		return fail("discover exports", err)
	}
	summary.Discovered = len(exports)

	for _, exp := range exports {
		if err := ctx.Err(); err != nil {
			return fail("cancelled", err)
		}
		o.processObject(ctx, account, source, exp, &summary, logger)
	}

	summary.State = StateCompleted
	summary.Elapsed = o.now().Sub(start)
	logger.Info("account complete",
		zap.Int("discovered", summary.Discovered),
		zap.Int("converted", summary.Converted),
		zap.Int("published", summary.Published),
		zap.Int("failed", summary.Failed))
	return summary
}

// processObject converts, publishes, and backs up one export object. All
// failures are recorded on the summary; none propagate.
func (o *Orchestrator) processObject(ctx context.Context, account catalog.AccountDescriptor, source SourceStore, exp discovery.ExportObject, summary *AccountSummary, logger *zap.Logger) {
	objectFail := func(stage string, err error) {
		summary.Failed++
		summary.Errors = append(summary.Errors, ObjectError{Key: exp.Key, Stage: stage, Err: err.Error()})
		logger.Error("object failed",
			zap.String("key", exp.Key), zap.String("stage", stage), zap.Error(err))
	}

	summary.State = StateConverting
	res, err := o.convertObject(ctx, account, source, exp)
	if err != nil {
		objectFail("convert", err)
	} else {
		summary.Converted++

		summary.State = StatePublishing
		_, skipped, err := o.deps.Publisher.Publish(ctx, res)
		switch {
		case err != nil:
			objectFail("publish", err)
		case skipped:
			summary.Skipped++
		default:
			summary.Published++
		}
	}

	// The backup mirror runs regardless of how conversion and publish went.
	summary.State = StateBackingUp
	if err := o.deps.Publisher.Backup(ctx, source, account.Bucket, exp.Key); err != nil {
		objectFail("backup", err)
	} else {
		summary.BackedUp++
	}
}

func (o *Orchestrator) convertObject(ctx context.Context, account catalog.AccountDescriptor, source SourceStore, exp discovery.ExportObject) (*convert.ConversionResult, error) {
	rc, err := source.Download(ctx, account.Bucket, exp.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return o.deps.Converter.Convert(ctx, account.AccountID, exp, rc)
}

func filterAccounts(accounts []catalog.AccountDescriptor, payerID string) []catalog.AccountDescriptor {
	var out []catalog.AccountDescriptor
	for _, a := range accounts {
		if a.AccountID == payerID {
			out = append(out, a)
		}
	}
	return out
}
