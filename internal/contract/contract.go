// Package contract defines the versioned feature contract shared by the corpus
// builder and the scoring service. Rows that do not match the contract are
// rejected, never coerced.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ncrp/atmrisk/internal/features"
)

var ErrContractViolation = errors.New("contract: violation")

// FieldType is the wire type of a contract field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeTimestamp FieldType = "timestamp"
)

// Role says what a field is used for.
type Role string

const (
	RoleKey     Role = "key"
	RoleFeature Role = "feature"
	RoleMeta    Role = "meta"
)

// Field describes one named column.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Role        Role      `json:"role"`
	Optional    bool      `json:"optional,omitempty"`
	NonNegative bool      `json:"nonNegative,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
}

// Contract is an ordered list of fields under a version tag. The order of the
// feature fields is the order of the model's input vector.
type Contract struct {
	Version string  `json:"version"`
	Fields  []Field `json:"fields"`
	// Strict rejects records carrying fields the contract does not name.
	Strict bool `json:"strict"`

	byName map[string]int
}

// Record is a decoded JSON object as received over the wire.
type Record map[string]any

// Field names of contract v1.
const (
	FieldDeviceID             = "device_id"
	FieldSnapshotTime         = "snapshot_time"
	FieldRecentTxnCount       = "recent_txn_count"
	FieldRecentAvgAmount      = "recent_avg_amount"
	FieldRecentFraudCount     = "recent_fraud_count"
	FieldUniqueSourceAccounts = "unique_source_accounts"
	FieldRecentComplaintCount = "recent_complaint_count"
	FieldDeviceLat            = "device_lat"
	FieldDeviceLon            = "device_lon"

	// LabelColumn is appended to corpus output; it is never part of a scoring record.
	LabelColumn = "label"
)

func bound(v float64) *float64 { return &v }

// V1 returns the canonical contract. Feature order follows the columns the
// production model was trained on.
func V1() *Contract {
	return New("v1", true, []Field{
		{Name: FieldDeviceID, Type: TypeString, Role: RoleKey},
		{Name: FieldSnapshotTime, Type: TypeTimestamp, Role: RoleMeta, Optional: true},
		{Name: FieldRecentTxnCount, Type: TypeInt, Role: RoleFeature, NonNegative: true},
		{Name: FieldRecentAvgAmount, Type: TypeFloat, Role: RoleFeature, NonNegative: true},
		{Name: FieldRecentFraudCount, Type: TypeInt, Role: RoleFeature, NonNegative: true},
		{Name: FieldUniqueSourceAccounts, Type: TypeInt, Role: RoleFeature, NonNegative: true},
		{Name: FieldRecentComplaintCount, Type: TypeInt, Role: RoleFeature, NonNegative: true},
		{Name: FieldDeviceLat, Type: TypeFloat, Role: RoleFeature, Min: bound(-90), Max: bound(90)},
		{Name: FieldDeviceLon, Type: TypeFloat, Role: RoleFeature, Min: bound(-180), Max: bound(180)},
	})
}

// New builds a contract from an ordered field list.
func New(version string, strict bool, fields []Field) *Contract {
	c := &Contract{Version: version, Fields: fields, Strict: strict, byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		c.byName[f.Name] = i
	}
	return c
}

// Field looks up a field by name.
func (c *Contract) Field(name string) (Field, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Field{}, false
	}
	return c.Fields[i], true
}

// FeatureNames returns the model input names in vector order.
func (c *Contract) FeatureNames() []string {
	var names []string
	for _, f := range c.Fields {
		if f.Role == RoleFeature {
			names = append(names, f.Name)
		}
	}
	return names
}

// CorpusHeader is the column order of labeled corpus output.
func (c *Contract) CorpusHeader() []string {
	header := []string{FieldSnapshotTime, FieldDeviceID}
	header = append(header, c.FeatureNames()...)
	return append(header, LabelColumn)
}

// ViolationError reports the first offending field of a record.
type ViolationError struct {
	Version  string
	Index    int // position in the batch, -1 when validating a single row
	DeviceID string
	Field    string
	Reason   string
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "contract %s violation", e.Version)
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": row %d", e.Index)
	}
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " (device %s)", e.DeviceID)
	}
	fmt.Fprintf(&b, ": field %q: %s", e.Field, e.Reason)
	return b.String()
}

func (e *ViolationError) Unwrap() error { return ErrContractViolation }

// Validate checks a single record.
func (c *Contract) Validate(rec Record) error {
	return c.validate(rec, -1)
}

// ValidateBatch checks every record and fails on the first violation.
func (c *Contract) ValidateBatch(recs []Record) error {
	for i, rec := range recs {
		if err := c.validate(rec, i); err != nil {
			return err
		}
	}
	return nil
}

func (c *Contract) validate(rec Record, index int) error {
	deviceID, _ := rec[FieldDeviceID].(string)
	violation := func(field, reason string) error {
		return &ViolationError{Version: c.Version, Index: index, DeviceID: deviceID, Field: field, Reason: reason}
	}

	if rec == nil {
		return violation("", "record is null")
	}

	for _, f := range c.Fields {
		v, present := rec[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return violation(f.Name, "missing")
		}
		if v == nil {
			return violation(f.Name, "null")
		}
		if reason := checkValue(f, v); reason != "" {
			return violation(f.Name, reason)
		}
	}

	if c.Strict {
		var extra []string
		for name := range rec {
			if _, ok := c.byName[name]; !ok {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			slices.Sort(extra)
			return violation(extra[0], "unexpected field")
		}
	}
	return nil
}

func checkValue(f Field, v any) string {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %s", typeName(v))
		}
		if f.Role == RoleKey && strings.TrimSpace(s) == "" {
			return "empty"
		}
		return ""

	case TypeTimestamp:
		if _, err := asTime(v); err != nil {
			return err.Error()
		}
		return ""

	case TypeInt:
		n, reason := asInt64(v)
		if reason != "" {
			return reason
		}
		return checkBounds(f, float64(n))

	case TypeFloat:
		x, reason := asFloat64(v)
		if reason != "" {
			return reason
		}
		return checkBounds(f, x)

	default:
		return fmt.Sprintf("unsupported field type %q", f.Type)
	}
}

func checkBounds(f Field, x float64) string {
	if f.NonNegative && x < 0 {
		return fmt.Sprintf("must be non-negative, got %v", x)
	}
	if f.Min != nil && x < *f.Min {
		return fmt.Sprintf("must be >= %v, got %v", *f.Min, x)
	}
	if f.Max != nil && x > *f.Max {
		return fmt.Sprintf("must be <= %v, got %v", *f.Max, x)
	}
	return ""
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

func asInt64(v any) (int64, string) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, ""
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Sprintf("expected int, got %q", x.String())
		}
		return floatToInt(f)
	case float64:
		return floatToInt(x)
	case float32:
		return floatToInt(float64(x))
	case int:
		return int64(x), ""
	case int32:
		return int64(x), ""
	case int64:
		return x, ""
	default:
		return 0, fmt.Sprintf("expected int, got %s", typeName(v))
	}
}

func floatToInt(f float64) (int64, string) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "expected int, got non-finite number"
	}
	if f != math.Trunc(f) {
		return 0, fmt.Sprintf("expected int, got fractional %v", f)
	}
	if math.Abs(f) > maxExactInt {
		return 0, fmt.Sprintf("int %v out of range", f)
	}
	return int64(f), ""
}

func asFloat64(v any) (float64, string) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Sprintf("expected float, got %q", x.String())
		}
		f = parsed
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return 0, fmt.Sprintf("expected float, got %s", typeName(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "expected float, got non-finite number"
	}
	return f, ""
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp, got %q", x)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("expected timestamp string, got %s", typeName(v))
	}
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ValidateRow checks a typed row produced by the aggregator.
func (c *Contract) ValidateRow(r features.Row) error {
	return c.Validate(c.ToRecord(r))
}

// ValidateRows checks typed rows, reporting the index of the first bad one.
func (c *Contract) ValidateRows(rows []features.Row) error {
	for i, r := range rows {
		if err := c.validate(c.ToRecord(r), i); err != nil {
			return err
		}
	}
	return nil
}
