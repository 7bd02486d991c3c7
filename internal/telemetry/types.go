// Package telemetry provides the wire types exchanged with the vehicle tracking
// provider and between the pipeline stages: snapshots, observations and route
// partitions.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingField is returned by Field accessors when the value is absent or null.
var ErrMissingField = errors.New("missing field")

// FlexInt64 handles JSON fields that can be either string or number.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	// Try as number first
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*f = FlexInt64(i)
		return nil
	}

	// Floats with an integral value still count, the provider is not consistent.
	var fl float64
	if err := json.Unmarshal(data, &fl); err == nil && fl == float64(int64(fl)) {
		*f = FlexInt64(int64(fl))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			*f = 0
			return nil // Unparseable markers sort as zero.
		}
		*f = FlexInt64(i)
		return nil
	}

	*f = 0
	return nil
}

// FlexString handles JSON fields that can be either string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	return fmt.Errorf("expected string or number, got %s", data)
}

// Field is a JSON value kept in its raw form and decoded on access, so that a
// bad value only invalidates the observation that carries it.
type Field struct {
	raw json.RawMessage
}

// NewField encodes v as a Field.
func NewField(v any) Field {
	b, err := json.Marshal(v)
	if err != nil {
		return Field{}
	}
	return Field{raw: b}
}

func (f *Field) UnmarshalJSON(data []byte) error {
	f.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (f Field) MarshalJSON() ([]byte, error) {
	if len(f.raw) == 0 {
		return []byte("null"), nil
	}
	return f.raw, nil
}

// Present reports whether the field holds a non-null value.
func (f Field) Present() bool {
	t := bytes.TrimSpace(f.raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

// Text returns the field as text. Numbers are rendered as written.
func (f Field) Text() (string, error) {
	if !f.Present() {
		return "", ErrMissingField
	}
	var s string
	if err := json.Unmarshal(f.raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(f.raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("not a string: %s", f.raw)
}

// Float64 returns the field as a number. Numeric strings are accepted.
func (f Field) Float64() (float64, error) {
	if !f.Present() {
		return 0, ErrMissingField
	}
	var v float64
	if err := json.Unmarshal(f.raw, &v); err == nil {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(f.raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", f.raw)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// Int64 returns the field as an integer. Integral floats and numeric strings
// are accepted.
func (f Field) Int64() (int64, error) {
	v, err := f.Float64()
	if err != nil {
		return 0, err
	}
	if v != float64(int64(v)) {
		return 0, fmt.Errorf("not an integer: %s", f.raw)
	}
	return int64(v), nil
}

// RawObservation is one vehicle reading inside a snapshot. Unknown fields are
// kept so the observation re-serializes exactly as received.
type RawObservation struct {
	RouteID   Field `json:"rid"`
	RouteNum  Field `json:"rnum"`
	RouteType Field `json:"rtype"`
	Plate     Field `json:"gos_num"`
	Lat       Field `json:"lat"`
	Lon       Field `json:"lon"`
	Speed     Field `json:"speed"`
	Heading   Field `json:"dir"`
	LastTime  Field `json:"lasttime"`

	raw json.RawMessage
}

type plainObservation RawObservation

func (o *RawObservation) UnmarshalJSON(data []byte) error {
	var p plainObservation
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = RawObservation(p)
	o.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (o RawObservation) MarshalJSON() ([]byte, error) {
	if len(o.raw) > 0 {
		return o.raw, nil
	}
	return json.Marshal(plainObservation(o))
}

// Route returns the observation's route id. A missing, zero or non-integer
// id reports false.
func (o RawObservation) Route() (int64, bool) {
	id, err := o.RouteID.Int64()
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// PlateNumber returns the vehicle plate, or "" when absent.
func (o RawObservation) PlateNumber() string {
	s, err := o.Plate.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// RawSnapshot is one polling response from the provider.
type RawSnapshot struct {
	MaxK  FlexInt64        `json:"maxk"`
	Anims []RawObservation `json:"anims"`
}

// RoutePartition holds every observation collected for one route.
type RoutePartition struct {
	RouteID   *FlexInt64       `json:"route_id"`
	RouteName FlexString       `json:"route_name"`
	BusData   []RawObservation `json:"bus_data"`
}

// ID returns the partition's route id. A missing or zero id reports false.
func (p *RoutePartition) ID() (int64, bool) {
	if p.RouteID == nil || *p.RouteID == 0 {
		return 0, false
	}
	return int64(*p.RouteID), true
}

// ParseError describes input that failed validation at the parse boundary.
type ParseError struct {
	Unit string // "snapshot" or "partition"
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Unit, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
