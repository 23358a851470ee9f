// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package convert turns gzip-compressed CSV export objects into partitioned
// snappy parquet files in the local work dir.
package convert

import (
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/admon/awscur-scripts/internal/discovery"
	"github.com/admon/awscur-scripts/internal/schema"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of rows coerced and written per batch.
const DefaultBatchSize = 5000

// ConversionResult describes one converted export object.
type ConversionResult struct {
	Export        discovery.ExportObject
	PartitionPath string
	LocalPath     string
	FileName      string
	RowCount      int64
	ByteSize      int64
	Warnings      []string
}

// Engine converts export objects against a canonical schema.
type Engine struct {
	catalog      *schema.Catalog
	pqSchema     *parquet.Schema
	encoder      *rowEncoder
	datasetLabel string
	workDir      string
	batchSize    int
	logger       *zap.Logger
}

// New creates a conversion engine writing under workDir. batchSize <= 0
// selects DefaultBatchSize.
func New(cat *schema.Catalog, datasetLabel, workDir string, batchSize int, logger *zap.Logger) (*Engine, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	pq, err := parquetSchema(cat)
	if err != nil {
		return nil, err
	}
	return &Engine{
		catalog:      cat,
		pqSchema:     pq,
		encoder:      newRowEncoder(cat),
		datasetLabel: datasetLabel,
		workDir:      workDir,
		batchSize:    batchSize,
		logger:       logger,
	}, nil
}

// PartitionPath returns the four-level partition path for an export:
// account id, granularity, dataset label, billing period.
func (e *Engine) PartitionPath(accountID string, exp discovery.ExportObject) string {
	return path.Join(accountID, exp.Granularity, e.datasetLabel, exp.BillingPeriod)
}

// FileName derives the deterministic output name from the source key, so a
// re-run of the same object overwrites its own prior output.
func FileName(sourceKey string) string {
	sum := md5.Sum([]byte(sourceKey))
	h := hex.EncodeToString(sum[:])
	return h[len(h)-16:] + ".parquet"
}

// Convert streams one gzip CSV export into a parquet file under the work
// dir. A batch containing an uncoercible value is dropped with a warning;
// the rest of the object is still converted. A header that maps to no
// canonical column, or an unreadable stream, fails the object.
func (e *Engine) Convert(ctx context.Context, accountID string, exp discovery.ExportObject, src io.Reader) (*ConversionResult, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("convert %s: open gzip stream: %w", exp.Key, err)
	}
	defer gz.Close()

	reader := csv.NewReader(gz)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("convert %s: read header: %w", exp.Key, err)
	}
	mapping := e.mapHeader(header)
	if len(mapping) == 0 {
		return nil, fmt.Errorf("convert %s: no header column matches the canonical schema", exp.Key)
	}

	partition := e.partitionValues(accountID, exp)
	partitionPath := e.PartitionPath(accountID, exp)
	fileName := FileName(exp.Key)
	localPath := filepath.Join(e.workDir, filepath.FromSlash(partitionPath), fileName)

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("convert %s: create partition dir: %w", exp.Key, err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("convert %s: create output file: %w", exp.Key, err)
	}
	defer out.Close()

	writer := parquet.NewGenericWriter[any](out, e.pqSchema,
		parquet.Compression(&parquet.Snappy))

	result := &ConversionResult{
		Export:        exp,
		PartitionPath: partitionPath,
		LocalPath:     localPath,
		FileName:      fileName,
	}

	batch := make([]map[string]any, 0, e.batchSize)
	var batchErr error
	batchStart := int64(2) // 1-based source line of the batch's first row

	flush := func() error {
		if batchErr != nil {
			warn := fmt.Sprintf("dropped batch starting at line %d (%d rows): %v",
				batchStart, len(batch), batchErr)
			result.Warnings = append(result.Warnings, warn)
			e.logger.Warn("dropped row batch",
				zap.String("key", exp.Key), zap.String("reason", batchErr.Error()))
		} else if len(batch) > 0 {
			rows := make([]parquet.Row, len(batch))
			for i, m := range batch {
				rows[i] = e.encoder.encode(m)
			}
			if _, err := writer.WriteRows(rows); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
			result.RowCount += int64(len(batch))
		}
		batchStart += int64(len(batch))
		batch = batch[:0]
		batchErr = nil
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("convert %s: %w", exp.Key, err)
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A malformed row poisons its batch, not the object.
			if batchErr == nil {
				batchErr = err
			}
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("convert %s: read row: %w", exp.Key, err)
			}
			continue
		}

		row, err := e.buildRow(record, mapping, partition)
		if err != nil && batchErr == nil {
			batchErr = err
		}
		batch = append(batch, row)

		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("convert %s: %w", exp.Key, err)
			}
		}
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("convert %s: %w", exp.Key, err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("convert %s: close parquet writer: %w", exp.Key, err)
	}
	if info, err := os.Stat(localPath); err == nil {
		result.ByteSize = info.Size()
	}

	e.logger.Info("converted export object",
		zap.String("key", exp.Key),
		zap.String("partition", partitionPath),
		zap.Int64("rows", result.RowCount),
		zap.Int("warnings", len(result.Warnings)))

	return result, nil
}

// mapHeader maps CSV column positions to canonical columns,
// case-insensitively. Header fields with no canonical counterpart are
// ignored; partition names in the header are ignored too, their values are
// structural.
func (e *Engine) mapHeader(header []string) map[int]schema.Column {
	mapping := make(map[int]schema.Column)
	for i, name := range header {
		col, ok := e.catalog.Lookup(strings.TrimSpace(name))
		if !ok || col.IsPartition() {
			continue
		}
		mapping[i] = col
	}
	return mapping
}

// partitionValues builds the structural partition column values. These are
// derived from the account and the export path, never from row data.
func (e *Engine) partitionValues(accountID string, exp discovery.ExportObject) map[string]any {
	return map[string]any{
		schema.PartitionAccountID:     accountID,
		schema.PartitionGranularity:   exp.Granularity,
		schema.PartitionDataset:       e.datasetLabel,
		schema.PartitionBillingPeriod: exp.BillingPeriod,
	}
}

// buildRow coerces one CSV record into a full canonical row. Columns absent
// from the record get their typed null. The row is returned even on a
// coercion error so the caller can account for the batch size.
func (e *Engine) buildRow(record []string, mapping map[int]schema.Column, partition map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(e.catalog.Columns()))
	for k, v := range partition {
		row[k] = v
	}
	for _, col := range e.catalog.Columns() {
		if col.IsPartition() {
			continue
		}
		row[col.Name] = schema.Null(col)
	}

	var firstErr error
	for i, col := range mapping {
		if i >= len(record) {
			continue
		}
		v, err := schema.Coerce(col, record[i])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		row[col.Name] = parquetValue(v)
	}
	return row, firstErr
}
