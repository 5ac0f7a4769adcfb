package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrUnsupportedFieldType = errors.New("unsupported field type")

type FieldType string

const (
	FieldText        FieldType = "Text"
	FieldNote        FieldType = "Note"
	FieldChoice      FieldType = "Choice"
	FieldMultiChoice FieldType = "MultiChoice"
	FieldURL         FieldType = "URL"
	FieldNumber      FieldType = "Number"
	FieldCurrency    FieldType = "Currency"
	FieldInteger     FieldType = "Integer"
	FieldCounter     FieldType = "Counter"
	FieldBoolean     FieldType = "Boolean"
	FieldDateTime    FieldType = "DateTime"
	FieldLookup      FieldType = "Lookup"
	FieldLookupMulti FieldType = "LookupMulti"
	FieldUser        FieldType = "User"
	FieldUserMulti   FieldType = "UserMulti"
	FieldJSON        FieldType = "JSON"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNote, FieldChoice, FieldMultiChoice, FieldURL,
		FieldNumber, FieldCurrency, FieldInteger, FieldCounter, FieldBoolean,
		FieldDateTime, FieldLookup, FieldLookupMulti, FieldUser, FieldUserMulti, FieldJSON:
		return true
	}
	return false
}

// FieldCodec converts between raw wire strings and typed field values.
type FieldCodec interface {
	Decode(raw string, fieldType FieldType) (Value, error)
	Encode(value Value, fieldType FieldType) (string, error)
}

const (
	lookupSeparator = ";#"
	wireTimeLayout  = "2006-01-02 15:04:05"
)

// DefaultCodec speaks the list service's delimited text encoding: lookups as
// "id;#value;#id;#value", multi-choice as ";#a;#b;#", timestamps as UTC
// "YYYY-MM-DD hh:mm:ss" (RFC 3339 also accepted on decode).
type DefaultCodec struct{}

func (DefaultCodec) Decode(raw string, fieldType FieldType) (Value, error) {
	if raw == "" {
		return Null(), nil
	}
	switch fieldType {
	case FieldText, FieldNote, FieldChoice, FieldURL, "":
		return String(raw), nil
	case FieldNumber, FieldCurrency:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s %q: %w", fieldType, raw, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("decode %s %q: not a finite number", fieldType, raw)
		}
		return Float(f), nil
	case FieldInteger, FieldCounter:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s %q: %w", fieldType, raw, err)
		}
		return Int(i), nil
	case FieldBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes":
			return Bool(true), nil
		case "0", "false", "no":
			return Bool(false), nil
		default:
			return Value{}, fmt.Errorf("decode %s %q: not a boolean", fieldType, raw)
		}
	case FieldDateTime:
		return decodeTime(raw)
	case FieldMultiChoice:
		trimmed := strings.TrimSuffix(strings.TrimPrefix(raw, lookupSeparator), lookupSeparator)
		parts := strings.Split(trimmed, lookupSeparator)
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part != "" {
				out = append(out, part)
			}
		}
		return Strings(out...), nil
	case FieldLookup, FieldUser, FieldLookupMulti, FieldUserMulti:
		lookups, err := decodeLookups(raw)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s %q: %w", fieldType, raw, err)
		}
		return Lookups(lookups...), nil
	case FieldJSON:
		if !json.Valid([]byte(raw)) {
			return Value{}, fmt.Errorf("decode %s: invalid json", fieldType)
		}
		return JSON(json.RawMessage(raw)), nil
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedFieldType, fieldType)
	}
}

func (DefaultCodec) Encode(value Value, fieldType FieldType) (string, error) {
	if value.IsNull() {
		return "", nil
	}
	switch fieldType {
	case FieldText, FieldNote, FieldChoice, FieldURL, "":
		return value.String(), nil
	case FieldNumber, FieldCurrency:
		switch value.Kind {
		case KindFloat:
			return strconv.FormatFloat(value.Float, 'f', -1, 64), nil
		case KindInt:
			return strconv.FormatInt(value.Int, 10), nil
		}
	case FieldInteger, FieldCounter:
		if value.Kind == KindInt {
			return strconv.FormatInt(value.Int, 10), nil
		}
	case FieldBoolean:
		if value.Kind == KindBool {
			if value.Bool {
				return "1", nil
			}
			return "0", nil
		}
	case FieldDateTime:
		if value.Kind == KindTime {
			return value.Time.UTC().Format(wireTimeLayout), nil
		}
	case FieldMultiChoice:
		if value.Kind == KindStrings {
			if len(value.Strings) == 0 {
				return "", nil
			}
			return lookupSeparator + strings.Join(value.Strings, lookupSeparator) + lookupSeparator, nil
		}
	case FieldLookup, FieldUser, FieldLookupMulti, FieldUserMulti:
		if value.Kind == KindLookups {
			parts := make([]string, 0, len(value.Lookups)*2)
			for _, l := range value.Lookups {
				parts = append(parts, strconv.FormatInt(l.ID, 10), l.Value)
			}
			return strings.Join(parts, lookupSeparator), nil
		}
	case FieldJSON:
		if value.Kind == KindJSON {
			return string(value.JSON), nil
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFieldType, fieldType)
	}
	return "", fmt.Errorf("encode %s: value kind %s does not fit", fieldType, value.Kind)
}

func decodeTime(raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, wireTimeLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return Time(t.UTC()), nil
		}
	}
	return Value{}, fmt.Errorf("decode %s %q: unrecognized time layout", FieldDateTime, raw)
}

func decodeLookups(raw string) ([]Lookup, error) {
	parts := strings.Split(raw, lookupSeparator)
	if len(parts)%2 != 0 {
		return nil, errors.New("unbalanced lookup pairs")
	}
	out := make([]Lookup, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		id, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, Lookup{ID: id, Value: parts[i+1]})
	}
	return out, nil
}
