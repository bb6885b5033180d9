package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEncoding is returned when a payload or result cannot be encoded or decoded.
var ErrEncoding = errors.New("domain: payload encoding")

// Payload is a JSON document stored as text. A nil Payload means "absent"
// and maps to SQL NULL; a JSON null is stored as the text "null".
type Payload []byte

// EncodePayload serialises v. json.RawMessage and Payload values are kept as is.
func EncodePayload(v any) (Payload, error) {
	switch raw := v.(type) {
	case Payload:
		if raw == nil {
			return Payload("null"), nil
		}
		return raw.clone(), nil
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrEncoding)
		}
		return Payload(raw).clone(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return Payload(data), nil
}

// MustPayload is EncodePayload for values known to be serialisable.
func MustPayload(v any) Payload {
	p, err := EncodePayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsAbsent reports whether no document is stored.
func (p Payload) IsAbsent() bool {
	return p == nil
}

// Decode unmarshals the document into dst.
func (p Payload) Decode(dst any) error {
	if p == nil {
		return fmt.Errorf("%w: payload is absent", ErrEncoding)
	}
	if err := json.Unmarshal(p, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return nil
}

// Any decodes the document into generic Go values (maps, slices, float64, ...).
func (p Payload) Any() (any, error) {
	if p == nil {
		return nil, nil
	}
	var out any
	if err := p.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two payloads by their decoded JSON value.
func (p Payload) Equal(other Payload) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	if bytes.Equal(p, other) {
		return true
	}
	var a, b any
	if json.Unmarshal(p, &a) != nil || json.Unmarshal(other, &b) != nil {
		return false
	}
	left, _ := json.Marshal(a)
	right, _ := json.Marshal(b)
	return bytes.Equal(left, right)
}

func (p Payload) String() string {
	if p == nil {
		return ""
	}
	return string(p)
}

// MarshalJSON emits the stored document verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return p.clone(), nil
}

// UnmarshalJSON keeps the raw document.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return errors.New("Payload: UnmarshalJSON on nil pointer")
	}
	*p = Payload(data).clone()
	return nil
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return string(p), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(value any) error {
	if p == nil {
		return errors.New("Payload: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		*p = Payload(v).clone()
		return nil
	case string:
		*p = Payload(v)
		return nil
	default:
		return fmt.Errorf("Payload: unsupported type %T", value)
	}
}

func (p Payload) clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}
