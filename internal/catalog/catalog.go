// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package catalog reads payer account descriptors from the tenant catalog.
// The catalog is consumed read-only; descriptors are loaded once per run.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/admon/awscur-scripts/internal/config"
	_ "github.com/go-sql-driver/mysql"
)

const (
	dbDriver   = "mysql"
	dbPoolSize = 5
	dbConnLife = 30 * time.Minute
	dbTimeout  = 5 * time.Second
)

// AccountDescriptor is one payer account row from the catalog. Immutable
// after loading; the pair (AccountID, object key) is the pipeline's
// idempotency key.
type AccountDescriptor struct {
	AccountID       string
	Name            string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	MonthlyDir      string
	DailyDir        string
	HourlyDir       string
	Region          string
}

// DirForTier returns the export root for a granularity tier, or "" when the
// account has no export configured at that tier.
func (a AccountDescriptor) DirForTier(tier string) string {
	switch tier {
	case "monthly":
		return a.MonthlyDir
	case "daily":
		return a.DailyDir
	case "hourly":
		return a.HourlyDir
	}
	return ""
}

// Client wraps the catalog database connection.
type Client struct {
	db      *sql.DB
	timeout time.Duration
}

// NewClient opens a connection to the tenant catalog and verifies it with a
// ping.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.DBHost == "" {
		return nil, fmt.Errorf("catalog hostname is required")
	}

	db, err := sql.Open(dbDriver, cfg.GetCatalogDSN())
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(dbConnLife)
	db.SetMaxOpenConns(dbPoolSize)
	db.SetMaxIdleConns(dbPoolSize)

	c := &Client{db: db, timeout: dbTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	return c, nil
}

// NewClientWithDB wraps an existing connection. Used by tests.
func NewClientWithDB(db *sql.DB) *Client {
	return &Client{db: db, timeout: dbTimeout}
}

// Close closes the catalog connection.
func (c *Client) Close() error {
	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

const listAccountsQuery = `
SELECT account_id, name, access_key_id, secret_access_key,
       bucket, monthly_dir, daily_dir, hourly_dir, region_name
FROM payer
WHERE bucket IS NOT NULL
ORDER BY account_id`

// ListAccounts loads all payer descriptors, ordered by account id.
func (c *Client) ListAccounts(ctx context.Context) ([]AccountDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, listAccountsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query payer accounts: %w", err)
	}
	defer rows.Close()

	var accounts []AccountDescriptor
	for rows.Next() {
		var (
			a                                  AccountDescriptor
			monthly, daily, hourly, regionName sql.NullString
		)
		if err := rows.Scan(&a.AccountID, &a.Name, &a.AccessKeyID, &a.SecretAccessKey,
			&a.Bucket, &monthly, &daily, &hourly, &regionName); err != nil {
			return nil, fmt.Errorf("failed to scan payer row: %w", err)
		}
		a.MonthlyDir = monthly.String
		a.DailyDir = daily.String
		a.HourlyDir = hourly.String
		a.Region = regionName.String
		if a.Region == "" {
			a.Region = "us-east-1"
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payer row iteration error: %w", err)
	}

	return accounts, nil
}
