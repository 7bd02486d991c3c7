package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"
)

var errNotObject = errors.New("not a JSON object")

// ParseSnapshot validates one staging-log line and decodes it.
func ParseSnapshot(line []byte) (*RawSnapshot, error) {
	if err := checkObject(line); err != nil {
		return nil, &ParseError{Unit: "snapshot", Err: err}
	}
	var s RawSnapshot
	if err := json.Unmarshal(line, &s); err != nil {
		return nil, &ParseError{Unit: "snapshot", Err: err}
	}
	return &s, nil
}

// ParsePartition validates and decodes a partition payload.
func ParsePartition(data []byte) (*RoutePartition, error) {
	if err := checkObject(data); err != nil {
		return nil, &ParseError{Unit: "partition", Err: err}
	}
	var p RoutePartition
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ParseError{Unit: "partition", Err: err}
	}
	return &p, nil
}

// Canonical returns the key-sorted compact serialization of a JSON object.
// Number literals are kept exactly as written. Two snapshots are duplicates
// iff their canonical forms are equal.
func Canonical(line []byte) ([]byte, error) {
	if err := checkObject(line); err != nil {
		return nil, &ParseError{Unit: "snapshot", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ParseError{Unit: "snapshot", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ParseError{Unit: "snapshot", Err: errors.New("trailing data after object")}
	}

	// Maps marshal with sorted keys.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &ParseError{Unit: "snapshot", Err: err}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func checkObject(data []byte) error {
	if !utf8.Valid(data) {
		return errors.New("invalid UTF-8")
	}
	t := bytes.TrimSpace(data)
	if len(t) == 0 || t[0] != '{' {
		return errNotObject
	}
	return nil
}
