// Copyright (c) 2025 Admon, Inc. All rights reserved.

package awsauth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/admon/awscur-scripts/internal/catalog"
	"go.uber.org/zap"
)

func testAccount(id string) catalog.AccountDescriptor {
	return catalog.AccountDescriptor{
		AccountID:       id,
		Name:            "test payer",
		AccessKeyID:     "AKIA" + id,
		SecretAccessKey: "secret-" + id,
		Region:          "us-east-1",
	}
}

func TestAcquire_StaticKeys(t *testing.T) {
	b := NewBroker("", zap.NewNop())
	ctx := context.Background()

	creds, err := b.Acquire(ctx, testAccount("00063769"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer b.Release(creds)

	if creds.AccountID != "00063769" {
		t.Errorf("account id = %s", creds.AccountID)
	}
	if creds.AccessKeyID != "AKIA00063769" || creds.SecretAccessKey != "secret-00063769" {
		t.Error("static keys should pass through unchanged")
	}
	if !creds.Valid() {
		t.Error("fresh credentials should be valid")
	}
	until := time.Until(creds.Expires)
	if until <= 0 || until > credentialDuration {
		t.Errorf("synthetic expiry out of range: %v", until)
	}
}

func TestAcquire_MissingKeys(t *testing.T) {
	b := NewBroker("", zap.NewNop())

	acct := testAccount("00091122")
	acct.SecretAccessKey = ""
	if _, err := b.Acquire(context.Background(), acct); err == nil {
		t.Fatal("Acquire() should fail for an account without catalog keys")
	}
}

func TestAcquire_AssumeRole(t *testing.T) {
	b := NewBroker("cur-reader", zap.NewNop())

	var gotARN string
	b.assumeRole = func(_ context.Context, account catalog.AccountDescriptor, roleARN string) (*ScopedCredentials, error) {
		gotARN = roleARN
		return &ScopedCredentials{
			AccountID:       account.AccountID,
			AccessKeyID:     "ASIATEMP",
			SecretAccessKey: "temp-secret",
			SessionToken:    "token",
			Expires:         time.Now().Add(time.Hour),
		}, nil
	}

	creds, err := b.Acquire(context.Background(), testAccount("00063769"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer b.Release(creds)

	if gotARN != "arn:aws:iam::00063769:role/cur-reader" {
		t.Errorf("role arn = %s", gotARN)
	}
	if creds.SessionToken != "token" {
		t.Error("assumed-role session token should be carried through")
	}
}

func TestRelease_Zeroizes(t *testing.T) {
	b := NewBroker("", zap.NewNop())

	creds, err := b.Acquire(context.Background(), testAccount("00063769"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	b.Release(creds)

	if creds.AccessKeyID != "" || creds.SecretAccessKey != "" || creds.SessionToken != "" {
		t.Error("released credentials must not retain key material")
	}
	if creds.Valid() {
		t.Error("released credentials must not be valid")
	}
	if n := len(b.ActiveLeases()); n != 0 {
		t.Errorf("expected no active leases, got %d", n)
	}

	// Double release is a no-op.
	b.Release(creds)
	b.Release(nil)
}

func TestAcquire_OneLeasePerAccount(t *testing.T) {
	b := NewBroker("", zap.NewNop())
	ctx := context.Background()

	first, err := b.Acquire(ctx, testAccount("00063769"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer b.Release(first)

	if _, err := b.Acquire(ctx, testAccount("00063769")); err == nil {
		t.Fatal("second lease for the same account should fail")
	} else if !strings.Contains(err.Error(), "already leased") {
		t.Errorf("unexpected error: %v", err)
	}

	// A different account is independent.
	other, err := b.Acquire(ctx, testAccount("00091122"))
	if err != nil {
		t.Fatalf("Acquire() for second account error = %v", err)
	}
	b.Release(other)

	// Releasing one account leaves the other untouched.
	leases := b.ActiveLeases()
	if len(leases) != 1 || leases[0] != "00063769" {
		t.Errorf("unexpected leases: %v", leases)
	}
}

func TestLeaseIsolation(t *testing.T) {
	b := NewBroker("", zap.NewNop())
	ctx := context.Background()

	a, err := b.Acquire(ctx, testAccount("00063769"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	c, err := b.Acquire(ctx, testAccount("00091122"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Each bundle only ever carries its own account's material.
	if a.AccessKeyID == c.AccessKeyID || a.SecretAccessKey == c.SecretAccessKey {
		t.Error("credential bundles must not share key material across accounts")
	}

	b.Release(a)
	if !c.Valid() {
		t.Error("releasing one account must not invalidate another's lease")
	}
	b.Release(c)
}
