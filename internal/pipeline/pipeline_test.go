// Copyright (c) 2025 Admon, Inc. All rights reserved.

package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/admon/awscur-scripts/internal/awsauth"
	"github.com/admon/awscur-scripts/internal/catalog"
	"github.com/admon/awscur-scripts/internal/config"
	"github.com/admon/awscur-scripts/internal/convert"
	"github.com/admon/awscur-scripts/internal/publish"
	"github.com/admon/awscur-scripts/internal/retention"
	"github.com/admon/awscur-scripts/internal/schema"
	"github.com/admon/awscur-scripts/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeAccounts struct {
	accounts []catalog.AccountDescriptor
	err      error
}

func (f *fakeAccounts) ListAccounts(context.Context) ([]catalog.AccountDescriptor, error) {
	return f.accounts, f.err
}

// fakeSource serves listings and blobs for source buckets.
type fakeSource struct {
	listings map[string][]storage.ObjectInfo // prefix -> objects
	blobs    map[string][]byte               // key -> content
	listErr  map[string]error                // prefix -> injected failure
}

func (f *fakeSource) List(_ context.Context, _ string, prefix string) ([]storage.ObjectInfo, error) {
	if err := f.listErr[prefix]; err != nil {
		return nil, err
	}
	return f.listings[prefix], nil
}

func (f *fakeSource) Download(_ context.Context, _ string, key string) (io.ReadCloser, error) {
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fakeTarget is the in-memory target/backup side used by the real publisher.
type fakeTarget struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func (f *fakeTarget) Upload(_ context.Context, bucket, key string, body io.Reader, metadata map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	if metadata != nil {
		f.metadata[bucket+"/"+key] = metadata
	}
	return nil
}

func (f *fakeTarget) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, ok := f.objects[srcBucket+"/"+srcKey]
	if !ok {
		return fmt.Errorf("copy source missing: %s/%s", srcBucket, srcKey)
	}
	f.objects[dstBucket+"/"+dstKey] = data
	if meta, ok := f.metadata[srcBucket+"/"+srcKey]; ok {
		f.metadata[dstBucket+"/"+dstKey] = meta
	}
	return nil
}

func (f *fakeTarget) Head(_ context.Context, bucket, key string) (storage.ObjectInfo, bool, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, false, nil
	}
	return storage.ObjectInfo{
		Key:      key,
		Size:     int64(len(data)),
		Metadata: f.metadata[bucket+"/"+key],
	}, true, nil
}

func (f *fakeTarget) Delete(_ context.Context, bucket, key string) error {
	delete(f.objects, bucket+"/"+key)
	delete(f.metadata, bucket+"/"+key)
	return nil
}

type fakeSink struct {
	posts []string
	err   error
}

func (f *fakeSink) Post(_ context.Context, text string) error {
	f.posts = append(f.posts, text)
	return f.err
}

type fakeSweeper struct {
	calls int
}

func (f *fakeSweeper) Sweep() retention.Stats {
	f.calls++
	return retention.Stats{Scanned: 2, Deleted: 1}
}

func gzipCSV(t *testing.T, header []string, rows [][]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := csv.NewWriter(gz)
	if err := w.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := w.WriteAll(rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func testConfig() *config.Config {
	return &config.Config{
		AWSRegion:           "us-east-1",
		TargetBucket:        "target",
		BackupBucket:        "backup",
		DatasetLabel:        "cur2",
		BatchSize:           100,
		SyncWindowHours:     24,
		MaxParallelAccounts: 2,
		PublishRetries:      1,
	}
}

type harness struct {
	orc    *Orchestrator
	broker *awsauth.Broker
	target *fakeTarget
	sink   *fakeSink
	sweep  *fakeSweeper
}

func newHarness(t *testing.T, cfg *config.Config, accounts []catalog.AccountDescriptor, source *fakeSource) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	engine, err := convert.New(schema.Default(), cfg.DatasetLabel, t.TempDir(), cfg.BatchSize, logger)
	if err != nil {
		t.Fatalf("convert.New() error = %v", err)
	}

	h := &harness{
		broker: awsauth.NewBroker("", zap.NewNop()),
		target: &fakeTarget{objects: map[string][]byte{}, metadata: map[string]map[string]string{}},
		sink:   &fakeSink{},
		sweep:  &fakeSweeper{},
	}

	deps := Deps{
		Accounts:    &fakeAccounts{accounts: accounts},
		Credentials: h.broker,
		SourceStore: func(context.Context, *awsauth.ScopedCredentials, string) (SourceStore, error) {
			return source, nil
		},
		Converter: engine,
		Publisher: publish.New(h.target, cfg.TargetBucket, cfg.BackupBucket, cfg.PublishRetries, logger),
		Sweeper:   h.sweep,
		Sink:      h.sink,
	}
	h.orc = New(cfg, deps, logger)
	return h
}

func prodAccount() catalog.AccountDescriptor {
	return catalog.AccountDescriptor{
		AccountID:       "00063769",
		Name:            "prod payer",
		AccessKeyID:     "AKIA1",
		SecretAccessKey: "secret1",
		Bucket:          "prod-cur",
		MonthlyDir:      "report/cur-monthly",
		Region:          "us-east-1",
	}
}

func TestRun_EndToEnd(t *testing.T) {
	key := "report/cur-monthly/BILLING_PERIOD=2024-01/data-0001.csv.gz"
	blob := gzipCSV(t,
		[]string{"line_item_resource_id", "line_item_unblended_cost", "resource_tags"},
		[][]string{
			{"i-0abc", "0.42", `{"env":"prod"}`},
			{"i-0def", "1.58", ""},
		})

	source := &fakeSource{
		listings: map[string][]storage.ObjectInfo{
			"report/cur-monthly/": {
				{Key: key, Size: int64(len(blob)), LastModified: time.Now().Add(-time.Hour)},
			},
		},
		blobs: map[string][]byte{key: blob},
	}

	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount()}, source)
	summary, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(summary.Accounts) != 1 {
		t.Fatalf("expected 1 account summary, got %d", len(summary.Accounts))
	}
	acct := summary.Accounts[0]
	if acct.State != StateCompleted {
		t.Fatalf("account state = %s (%s)", acct.State, acct.FailReason)
	}
	if acct.Discovered != 1 || acct.Converted != 1 || acct.Published != 1 || acct.BackedUp != 1 || acct.Failed != 0 {
		t.Errorf("unexpected counts: %+v", acct)
	}

	// One parquet file under account/granularity/dataset/period.
	wantKey := "target/00063769/monthly/cur2/2024-01/" + convert.FileName(key)
	if _, ok := h.target.objects[wantKey]; !ok {
		t.Errorf("published object missing, have %v", keysOf(h.target.objects))
	}
	// The backup mirror keeps the source key verbatim and carries the full
	// source bytes, streamed through the account-scoped store.
	if got := h.target.objects["backup/"+key]; !bytes.Equal(got, blob) {
		t.Errorf("backup object missing or wrong (%d bytes, want %d)", len(got), len(blob))
	}

	if h.sweep.calls != 1 {
		t.Errorf("sweeper calls = %d, want 1", h.sweep.calls)
	}
	if summary.Retention.Deleted != 1 {
		t.Errorf("retention stats not propagated: %+v", summary.Retention)
	}
	if len(h.sink.posts) != 1 || !strings.Contains(h.sink.posts[0], "published 1") {
		t.Errorf("unexpected notification: %v", h.sink.posts)
	}
	if n := len(h.broker.ActiveLeases()); n != 0 {
		t.Errorf("credentials still leased after run: %d", n)
	}
}

func TestRun_ZeroObjectsIsSuccess(t *testing.T) {
	source := &fakeSource{listings: map[string][]storage.ObjectInfo{}}
	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount()}, source)

	summary, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	acct := summary.Accounts[0]
	if acct.State != StateCompleted {
		t.Errorf("empty account should complete, got %s (%s)", acct.State, acct.FailReason)
	}
	if summary.Discovered != 0 || summary.Published != 0 || summary.FailedObjects != 0 {
		t.Errorf("unexpected totals: %+v", summary)
	}
	if len(h.sink.posts) != 1 {
		t.Error("summary should be posted even for a no-op run")
	}
}

func TestRun_AccountFailureDoesNotFailRun(t *testing.T) {
	second := prodAccount()
	second.AccountID = "00091122"
	second.Bucket = "dev-cur"
	second.MonthlyDir = "broken"

	source := &fakeSource{
		listings: map[string][]storage.ObjectInfo{},
		listErr:  map[string]error{"broken/": errors.New("access denied")},
	}

	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount(), second}, source)
	summary, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	states := map[string]State{}
	for _, a := range summary.Accounts {
		states[a.AccountID] = a.State
	}
	if states["00063769"] != StateCompleted {
		t.Errorf("healthy account state = %s", states["00063769"])
	}
	if states["00091122"] != StateFailed {
		t.Errorf("broken account state = %s", states["00091122"])
	}
	if summary.FailedAccounts != 1 {
		t.Errorf("failed accounts = %d", summary.FailedAccounts)
	}
	if n := len(h.broker.ActiveLeases()); n != 0 {
		t.Errorf("failed account leaked its credential lease: %d", n)
	}
}

func TestRun_ObjectFailureIsIsolated(t *testing.T) {
	goodKey := "report/cur-monthly/BILLING_PERIOD=2024-01/good.csv.gz"
	badKey := "report/cur-monthly/BILLING_PERIOD=2024-01/bad.csv.gz"
	mod := time.Now().Add(-time.Hour)

	source := &fakeSource{
		listings: map[string][]storage.ObjectInfo{
			"report/cur-monthly/": {
				{Key: badKey, LastModified: mod},
				{Key: goodKey, LastModified: mod.Add(time.Minute)},
			},
		},
		blobs: map[string][]byte{
			goodKey: gzipCSV(t, []string{"line_item_resource_id"}, [][]string{{"i-0abc"}}),
			badKey:  []byte("not gzip at all"),
		},
	}

	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount()}, source)
	summary, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	acct := summary.Accounts[0]
	if acct.State != StateCompleted {
		t.Fatalf("object failure must not fail the account: %s (%s)", acct.State, acct.FailReason)
	}
	if acct.Discovered != 2 || acct.Converted != 1 || acct.Published != 1 || acct.Failed != 1 {
		t.Errorf("unexpected counts: %+v", acct)
	}
	// Both objects are mirrored regardless of conversion outcome.
	if acct.BackedUp != 2 {
		t.Errorf("backed up = %d, want 2", acct.BackedUp)
	}
	if len(acct.Errors) != 1 || acct.Errors[0].Key != badKey || acct.Errors[0].Stage != "convert" {
		t.Errorf("unexpected error records: %+v", acct.Errors)
	}
}

func TestRun_PublishIsIdempotentAcrossRuns(t *testing.T) {
	key := "report/cur-monthly/BILLING_PERIOD=2024-01/data-0001.csv.gz"
	blob := gzipCSV(t, []string{"line_item_resource_id"}, [][]string{{"i-0abc"}})
	source := &fakeSource{
		listings: map[string][]storage.ObjectInfo{
			"report/cur-monthly/": {{Key: key, LastModified: time.Now().Add(-time.Hour)}},
		},
		blobs: map[string][]byte{key: blob},
	}

	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount()}, source)

	first, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Published != 1 || first.Skipped != 0 {
		t.Fatalf("first run: %+v", first)
	}

	// The same object re-discovered on a later run converts to an identical
	// file and is skipped at publish.
	second, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Published != 0 || second.Skipped != 1 {
		t.Errorf("second run should skip the already-published object: %+v", second)
	}
	if second.FailedObjects != 0 {
		t.Errorf("second run failed objects = %d", second.FailedObjects)
	}
}

func TestRun_CancellationFailsAccountCleanly(t *testing.T) {
	key := "report/cur-monthly/BILLING_PERIOD=2024-01/data-0001.csv.gz"
	source := &fakeSource{
		listings: map[string][]storage.ObjectInfo{
			"report/cur-monthly/": {{Key: key, LastModified: time.Now().Add(-time.Hour)}},
		},
		blobs: map[string][]byte{},
	}

	h := newHarness(t, testConfig(), []catalog.AccountDescriptor{prodAccount()}, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.orc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	acct := summary.Accounts[0]
	if acct.State != StateFailed || !strings.Contains(acct.FailReason, "cancelled") {
		t.Errorf("cancelled account should fail with a cancellation reason: %+v", acct)
	}
	if n := len(h.broker.ActiveLeases()); n != 0 {
		t.Errorf("cancelled account leaked its credential lease: %d", n)
	}
}

func TestRun_PayerFilter(t *testing.T) {
	second := prodAccount()
	second.AccountID = "00091122"

	source := &fakeSource{listings: map[string][]storage.ObjectInfo{}}
	cfg := testConfig()
	cfg.PayerID = "00091122"

	h := newHarness(t, cfg, []catalog.AccountDescriptor{prodAccount(), second}, source)
	summary, err := h.orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Accounts) != 1 || summary.Accounts[0].AccountID != "00091122" {
		t.Errorf("payer filter not applied: %+v", summary.Accounts)
	}
}

func TestRun_CatalogFailureFailsRun(t *testing.T) {
	cfg := testConfig()
	deps := Deps{
		Accounts:    &fakeAccounts{err: errors.New("connection refused")},
		Credentials: awsauth.NewBroker("", zap.NewNop()),
	}
	orc := New(cfg, deps, zaptest.NewLogger(t))

	if _, err := orc.Run(context.Background()); err == nil {
		t.Fatal("unreachable catalog must fail the run")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
