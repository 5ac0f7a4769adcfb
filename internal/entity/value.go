package entity

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStrings
	KindLookups
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindStrings:
		return "strings"
	case KindLookups:
		return "lookups"
	case KindJSON:
		return "json"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Lookup is one resolved reference to a record in another list.
type Lookup struct {
	ID    int64  `json:"id"`
	Value string `json:"value"`
}

// Value is a tagged field value. Only the member matching Kind is meaningful.
type Value struct {
	Kind    Kind            `json:"kind"`
	Str     string          `json:"str,omitempty"`
	Int     int64           `json:"int,omitempty"`
	Float   float64         `json:"float,omitempty"`
	Bool    bool            `json:"bool,omitempty"`
	Time    time.Time       `json:"time,omitempty"`
	Strings []string        `json:"strings,omitempty"`
	Lookups []Lookup        `json:"lookups,omitempty"`
	JSON    json.RawMessage `json:"json,omitempty"`
}

func Null() Value                    { return Value{Kind: KindNull} }
func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value              { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value          { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func Time(t time.Time) Value         { return Value{Kind: KindTime, Time: t} }
func Strings(values ...string) Value { return Value{Kind: KindStrings, Strings: values} }
func Lookups(values ...Lookup) Value { return Value{Kind: KindLookups, Lookups: values} }
func JSON(raw json.RawMessage) Value { return Value{Kind: KindJSON, JSON: raw} }

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Clone deep-copies the slice members so the result shares nothing with v.
func (v Value) Clone() Value {
	out := v
	if v.Strings != nil {
		out.Strings = slices.Clone(v.Strings)
	}
	if v.Lookups != nil {
		out.Lookups = slices.Clone(v.Lookups)
	}
	if v.JSON != nil {
		out.JSON = slices.Clone(v.JSON)
	}
	return out
}

func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == other.Str
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float
	case KindBool:
		return v.Bool == other.Bool
	case KindTime:
		return v.Time.Equal(other.Time)
	case KindStrings:
		return slices.Equal(v.Strings, other.Strings)
	case KindLookups:
		return slices.Equal(v.Lookups, other.Lookups)
	case KindJSON:
		return string(v.JSON) == string(other.JSON)
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339)
	case KindStrings:
		return fmt.Sprintf("%v", v.Strings)
	case KindLookups:
		return fmt.Sprintf("%v", v.Lookups)
	case KindJSON:
		return string(v.JSON)
	default:
		return ""
	}
}
