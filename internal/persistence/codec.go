package persistence

import (
	"encoding/json"
	"time"
)

// EncodeValue serializes a value as JSON for storage. nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue deserializes JSON produced by EncodeValue. Empty input yields
// the zero value of T.
//
// Numbers decode as float64 when T holds interface values, which is what
// condition evaluation expects.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

// Nanos converts a time to unix nanoseconds; the zero time maps to 0.
func Nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// NanosPtr is Nanos for optional timestamps.
func NanosPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return Nanos(*t)
}

// FromNanos is the inverse of Nanos.
func FromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// FromNanosPtr is the inverse of NanosPtr.
func FromNanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := FromNanos(n)
	return &t
}
