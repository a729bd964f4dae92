package model

import (
	"encoding/json"
	"fmt"
)

// ArgKind enumerates the value types a program argument can hold.
type ArgKind int

const (
	ArgNull ArgKind = iota
	ArgString
	ArgNumber
	ArgBool
)

// ArgValue is a closed variant over the primitive JSON types. Program
// arguments are always flat string/number/bool/null values; anything nested
// is rejected at decode time.
type ArgValue struct {
	Kind ArgKind
	Str  string
	Num  float64
	Bool bool
}

func StringArg(s string) ArgValue  { return ArgValue{Kind: ArgString, Str: s} }
func NumberArg(n float64) ArgValue { return ArgValue{Kind: ArgNumber, Num: n} }
func BoolArg(b bool) ArgValue      { return ArgValue{Kind: ArgBool, Bool: b} }

func (v ArgValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ArgString:
		return json.Marshal(v.Str)
	case ArgNumber:
		return json.Marshal(v.Num)
	case ArgBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

func (v *ArgValue) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = ArgValue{Kind: ArgNull}
	case string:
		*v = ArgValue{Kind: ArgString, Str: t}
	case float64:
		*v = ArgValue{Kind: ArgNumber, Num: t}
	case bool:
		*v = ArgValue{Kind: ArgBool, Bool: t}
	default:
		return fmt.Errorf("program argument must be a primitive value, got %T", raw)
	}
	return nil
}
