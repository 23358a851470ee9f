// Copyright (c) 2025 Admon, Inc. All rights reserved.

// Package schema defines the canonical column set every converted row batch
// must conform to, and the coercion rules from the raw export text into
// typed values.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type is the logical type of a canonical column.
type Type int

const (
	TypeString Type = iota
	TypeDouble
	TypeTimestamp
	TypeMapString // map<string,string>
	TypeMapDouble // map<string,double>
)

var typeNames = map[Type]string{
	TypeString:    "string",
	TypeDouble:    "double",
	TypeTimestamp: "timestamp",
	TypeMapString: "map<string,string>",
	TypeMapDouble: "map<string,double>",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType parses a logical type name as used in the schema registry file.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return TypeString, fmt.Errorf("unknown column type %q", s)
}

// Column is one entry of the canonical schema. Partition is the partition
// ordinal; -1 marks a regular data column.
type Column struct {
	Name      string
	Type      Type
	Partition int
}

// IsPartition reports whether the column is a partition key.
func (c Column) IsPartition() bool { return c.Partition >= 0 }

// Catalog is the full ordered canonical column set.
type Catalog struct {
	columns    []Column
	byName     map[string]int
	partitions []Column
}

// New builds a catalog from an ordered column list. Column names must be
// unique (case-insensitive) and partition ordinals contiguous from zero.
func New(cols []Column) (*Catalog, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("schema must have at least one column")
	}

	c := &Catalog{
		columns: make([]Column, len(cols)),
		byName:  make(map[string]int, len(cols)),
	}
	copy(c.columns, cols)

	for i, col := range c.columns {
		key := strings.ToLower(col.Name)
		if key == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("duplicate column name %q", col.Name)
		}
		c.byName[key] = i
		if col.IsPartition() {
			c.partitions = append(c.partitions, col)
		}
	}

	sort.Slice(c.partitions, func(i, j int) bool {
		return c.partitions[i].Partition < c.partitions[j].Partition
	})
	for i, p := range c.partitions {
		if p.Partition != i {
			return nil, fmt.Errorf("partition ordinals must be contiguous from 0, got %d for %q", p.Partition, p.Name)
		}
		if p.Type != TypeString {
			return nil, fmt.Errorf("partition column %q must be a string, got %s", p.Name, p.Type)
		}
	}

	return c, nil
}

// Columns returns the ordered canonical column set.
func (c *Catalog) Columns() []Column { return c.columns }

// PartitionKeys returns the partition columns in ordinal order.
func (c *Catalog) PartitionKeys() []Column { return c.partitions }

// Lookup finds a canonical column by name, case-insensitively.
func (c *Catalog) Lookup(name string) (Column, bool) {
	i, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return c.columns[i], true
}

// LoadFile reads a schema registry file (YAML). Entries without a partition
// ordinal are regular data columns.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var doc struct {
		Columns []struct {
			Name      string `yaml:"name"`
			Type      string `yaml:"type"`
			Partition *int   `yaml:"partition"`
		} `yaml:"columns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	cols := make([]Column, 0, len(doc.Columns))
	for _, e := range doc.Columns {
		t, err := ParseType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", e.Name, err)
		}
		p := -1
		if e.Partition != nil {
			p = *e.Partition
		}
		cols = append(cols, Column{Name: e.Name, Type: t, Partition: p})
	}

	return New(cols)
}

// Canonical partition column names. The values are structural: derived from
// the account, the export path, and the billing period, never from row data.
const (
	PartitionAccountID     = "account_id"
	PartitionGranularity   = "granularity"
	PartitionDataset       = "dataset"
	PartitionBillingPeriod = "billing_period"
)

// Default returns the built-in canonical CUR schema used when no registry
// file is configured.
func Default() *Catalog {
	cols := []Column{
		{Name: PartitionAccountID, Type: TypeString, Partition: 0},
		{Name: PartitionGranularity, Type: TypeString, Partition: 1},
		{Name: PartitionDataset, Type: TypeString, Partition: 2},
		{Name: PartitionBillingPeriod, Type: TypeString, Partition: 3},

		{Name: "bill_invoice_id", Type: TypeString, Partition: -1},
		{Name: "bill_billing_entity", Type: TypeString, Partition: -1},
		{Name: "bill_payer_account_id", Type: TypeString, Partition: -1},
		{Name: "bill_billing_period_start_date", Type: TypeTimestamp, Partition: -1},
		{Name: "bill_billing_period_end_date", Type: TypeTimestamp, Partition: -1},

		{Name: "line_item_usage_account_id", Type: TypeString, Partition: -1},
		{Name: "line_item_line_item_type", Type: TypeString, Partition: -1},
		{Name: "line_item_usage_start_date", Type: TypeTimestamp, Partition: -1},
		{Name: "line_item_usage_end_date", Type: TypeTimestamp, Partition: -1},
		{Name: "line_item_product_code", Type: TypeString, Partition: -1},
		{Name: "line_item_usage_type", Type: TypeString, Partition: -1},
		{Name: "line_item_operation", Type: TypeString, Partition: -1},
		{Name: "line_item_availability_zone", Type: TypeString, Partition: -1},
		{Name: "line_item_resource_id", Type: TypeString, Partition: -1},
		{Name: "line_item_usage_amount", Type: TypeDouble, Partition: -1},
		{Name: "line_item_unblended_cost", Type: TypeDouble, Partition: -1},
		{Name: "line_item_blended_cost", Type: TypeDouble, Partition: -1},
		{Name: "line_item_line_item_description", Type: TypeString, Partition: -1},
		{Name: "line_item_currency_code", Type: TypeString, Partition: -1},

		{Name: "product_product_family", Type: TypeString, Partition: -1},
		{Name: "product_region", Type: TypeString, Partition: -1},
		{Name: "product_servicecode", Type: TypeString, Partition: -1},
		{Name: "product_instance_type", Type: TypeString, Partition: -1},
		{Name: "product_from_account_id", Type: TypeString, Partition: -1},
		{Name: "product_to_account_id", Type: TypeString, Partition: -1},

		{Name: "pricing_term", Type: TypeString, Partition: -1},
		{Name: "pricing_unit", Type: TypeString, Partition: -1},
		{Name: "pricing_plan_arn", Type: TypeString, Partition: -1},
		{Name: "pricing_public_on_demand_cost", Type: TypeDouble, Partition: -1},

		{Name: "cost_category", Type: TypeMapString, Partition: -1},
		{Name: "discount", Type: TypeMapDouble, Partition: -1},
		{Name: "product", Type: TypeMapString, Partition: -1},
		{Name: "resource_tags", Type: TypeMapString, Partition: -1},
	}

	c, err := New(cols)
	if err != nil {
		// The built-in schema is validated by tests; this is unreachable.
		panic(err)
	}
	return c
}
