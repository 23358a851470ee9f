// Copyright (c) 2025 Admon, Inc. All rights reserved.

package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp layouts accepted from export text, tried in order.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// Coerce converts a raw export field into the column's typed value.
// The empty string is a typed null for scalars and an empty mapping for map
// columns. An unparsable double, timestamp, or map<string,double> value is a
// coercion error; it is never silently coerced.
func Coerce(col Column, raw string) (any, error) {
	switch col.Type {
	case TypeString:
		return raw, nil

	case TypeDouble:
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: invalid double %q", col.Name, raw)
		}
		return v, nil

	case TypeTimestamp:
		if raw == "" {
			return nil, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("column %s: invalid timestamp %q", col.Name, raw)

	case TypeMapString:
		return coerceMapString(raw), nil

	case TypeMapDouble:
		return coerceMapDouble(col, raw)
	}

	return nil, fmt.Errorf("column %s: unsupported type %s", col.Name, col.Type)
}

// Null returns the typed null for a column: an empty mapping for map
// columns, nil for scalars.
func Null(col Column) any {
	switch col.Type {
	case TypeMapString:
		return map[string]string{}
	case TypeMapDouble:
		return map[string]float64{}
	}
	return nil
}

// coerceMapString parses the export's JSON-object map encoding. Text that is
// not a JSON object is preserved under a "_value" key rather than dropped,
// so malformed source maps remain inspectable in the output.
func coerceMapString(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]string{"_value": raw}
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// coerceMapDouble parses a JSON object of numeric values. Values encoded as
// numeric strings are accepted; anything else is a coercion error.
func coerceMapDouble(col Column, raw string) (map[string]float64, error) {
	if raw == "" {
		return map[string]float64{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("column %s: invalid map %q", col.Name, raw)
	}

	out := make(map[string]float64, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case float64:
			out[k] = val
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: invalid double %q for key %q", col.Name, val, k)
			}
			out[k] = f
		case nil:
			// Absent discount entries appear as explicit nulls.
		default:
			return nil, fmt.Errorf("column %s: invalid value for key %q", col.Name, k)
		}
	}
	return out, nil
}
