// Package jsonutil wraps github.com/go-json-experiment/json for the RPC
// payloads, debug dumps and audit records.
//
// Usage:
//
//	data, err := jsonutil.Marshal(v)
//	err = jsonutil.Unmarshal(data, &v)
package jsonutil

import (
	"io"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// RawValue is a raw encoded JSON value.
type RawValue = jsontext.Value

// Unmarshal parses the JSON-encoded data and stores the result in v.
// Unknown fields are ignored so that newer RPC responses keep decoding.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v, json.RejectUnknownMembers(false))
}

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent returns the indented JSON encoding of v.
func MarshalIndent(v any, indent string) ([]byte, error) {
	return json.Marshal(v, jsontext.WithIndent(indent))
}

// Encoder writes one JSON value per line.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new line encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the JSON encoding of v followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}
