// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package awsauth scopes AWS credentials to a single payer account at a
// time. Credentials are explicit values threaded through the pipeline, never
// process-wide environment state, and are cleared on release.
package awsauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/admon/awscur-scripts/internal/catalog"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

const (
	// Lifetime for assumed-role sessions and the synthetic expiry applied
	// to static catalog keys.
	credentialDuration = time.Hour
	sessionNamePrefix  = "cursync"
)

// ScopedCredentials is a credential bundle valid for exactly one payer
// account. Zeroed by Broker.Release.
type ScopedCredentials struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Valid reports whether the bundle still carries usable key material.
func (s *ScopedCredentials) Valid() bool {
	return s != nil && s.AccessKeyID != "" && time.Now().Before(s.Expires)
}

// Provider returns an aws.CredentialsProvider backed by this bundle.
func (s *ScopedCredentials) Provider() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken)
}

// assumeRoleFn issues temporary credentials for a role. Split out so tests
// can run the broker without STS.
type assumeRoleFn func(ctx context.Context, account catalog.AccountDescriptor, roleARN string) (*ScopedCredentials, error)

// Broker issues scoped credentials per account and guarantees that released
// bundles are unusable. When a role name is configured, the broker assumes
// arn:aws:iam::<account>:role/<roleName> using the account's catalog keys;
// otherwise the catalog keys are wrapped with a bounded synthetic expiry.
type Broker struct {
	mu       sync.Mutex
	leases   map[string]*ScopedCredentials
	roleName string
	logger   *zap.Logger

	assumeRole assumeRoleFn
}

// NewBroker creates a credential broker. roleName may be empty.
func NewBroker(roleName string, logger *zap.Logger) *Broker {
	b := &Broker{
		leases:   make(map[string]*ScopedCredentials),
		roleName: roleName,
		logger:   logger,
	}
	b.assumeRole = b.assumeRoleSTS
	return b
}

// Acquire returns a credential bundle scoped to the given account. At most
// one lease per account may be active; the caller must Release on every exit
// path.
func (b *Broker) Acquire(ctx context.Context, account catalog.AccountDescriptor) (*ScopedCredentials, error) {
	if account.AccessKeyID == "" || account.SecretAccessKey == "" {
		return nil, fmt.Errorf("account %s has no credentials in the catalog", account.AccountID)
	}

	b.mu.Lock()
	if _, held := b.leases[account.AccountID]; held {
		b.mu.Unlock()
		return nil, fmt.Errorf("credentials for account %s are already leased", account.AccountID)
	}
	b.mu.Unlock()

	var (
		creds *ScopedCredentials
		err   error
	)
	if b.roleName != "" {
		roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", account.AccountID, b.roleName)
		creds, err = b.assumeRole(ctx, account, roleARN)
		if err != nil {
			return nil, fmt.Errorf("assume role for account %s: %w", account.AccountID, err)
		}
	} else {
		creds = &ScopedCredentials{
			AccountID:       account.AccountID,
			AccessKeyID:     account.AccessKeyID,
			SecretAccessKey: account.SecretAccessKey,
			Expires:         time.Now().Add(credentialDuration),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.leases[account.AccountID]; held {
		return nil, fmt.Errorf("credentials for account %s are already leased", account.AccountID)
	}
	b.leases[account.AccountID] = creds

	b.logger.Debug("acquired scoped credentials",
		zap.String("account_id", account.AccountID),
		zap.Time("expires", creds.Expires))

	return creds, nil
}

// Release zeroizes the bundle and drops its lease. Safe to call with nil and
// safe to call twice.
func (b *Broker) Release(creds *ScopedCredentials) {
	if creds == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.leases, creds.AccountID)

	creds.AccessKeyID = ""
	creds.SecretAccessKey = ""
	creds.SessionToken = ""
	creds.Expires = time.Time{}

	b.logger.Debug("released scoped credentials", zap.String("account_id", creds.AccountID))
}

// ActiveLeases returns the account ids with live leases.
func (b *Broker) ActiveLeases() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.leases))
	for id := range b.leases {
		ids = append(ids, id)
	}
	return ids
}

// assumeRoleSTS exchanges the account's catalog keys for a temporary role
// session via STS.
func (b *Broker) assumeRoleSTS(ctx context.Context, account catalog.AccountDescriptor, roleARN string) (*ScopedCredentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(account.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(account.AccessKeyID, account.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("create AWS config: %w", err)
	}

	out, err := sts.NewFromConfig(cfg).AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(fmt.Sprintf("%s-%s", sessionNamePrefix, account.AccountID)),
		DurationSeconds: aws.Int32(int32(credentialDuration.Seconds())),
	})
	if err != nil {
		return nil, err
	}

	c := out.Credentials
	return &ScopedCredentials{
		AccountID:       account.AccountID,
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}
