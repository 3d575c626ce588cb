package model

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/taskflow/common/logx"
)

// ErrVarNotFound is returned when a variable is missing or has an unexpected type.
var ErrVarNotFound = errors.New("variable not found")

// Vars holds process instance variables with string keys.
type Vars struct {
	vals map[string]any
}

// NewVars creates and returns an empty set of variables.
func NewVars() *Vars {
	return &Vars{
		vals: make(map[string]any),
	}
}

// VarsFrom creates a set of variables populated from m.  Only string, bool, int64 and float64 values are accepted.
func VarsFrom(m map[string]any) (*Vars, error) {
	vals := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case string, bool, int64, float64:
			vals[k] = v
		case int:
			vals[k] = int64(v.(int))
		default:
			return nil, fmt.Errorf("%s is not a supported type, please convert to string, bool, int64 or float64", k)
		}
	}
	return &Vars{vals: vals}, nil
}

// DecodeVars decodes an encoded set of variables.  An empty slice decodes to an empty set.
func DecodeVars(ctx context.Context, b []byte) (*Vars, error) {
	v := NewVars()
	if err := v.Decode(ctx, b); err != nil {
		return nil, err
	}
	return v, nil
}

func get[V any](vars *Vars, key string) (V, error) { //nolint:ireturn
	var v V
	if vars.vals[key] == nil {
		return v, fmt.Errorf("workflow var %s found nil: %w", key, ErrVarNotFound)
	}
	v, ok := vars.vals[key].(V)
	if !ok {
		return v, fmt.Errorf("workflow var %s not present: %w", key, ErrVarNotFound)
	}
	return v, nil
}

// GetString returns a string variable.
func (vars *Vars) GetString(key string) (string, error) {
	v, err := get[string](vars, key)
	if err != nil {
		return "", fmt.Errorf("getString: %w", err)
	}
	return v, nil
}

// GetInt64 returns an integer variable, widening any decoded integer width.
func (vars *Vars) GetInt64(key string) (int64, error) {
	xt, ok := vars.vals[key]
	if !ok {
		return 0, fmt.Errorf("workflow var %s not present: %w", key, ErrVarNotFound)
	}
	switch ut := xt.(type) {
	case int:
		return int64(ut), nil
	case int8:
		return int64(ut), nil
	case int16:
		return int64(ut), nil
	case int32:
		return int64(ut), nil
	case int64:
		return ut, nil
	case uint8:
		return int64(ut), nil
	case uint16:
		return int64(ut), nil
	case uint32:
		return int64(ut), nil
	default:
		return 0, fmt.Errorf("workflow var %s is %s not int64: %w", key, reflect.TypeOf(xt).Name(), ErrVarNotFound)
	}
}

// GetBool returns a boolean variable.
func (vars *Vars) GetBool(key string) (bool, error) {
	v, err := get[bool](vars, key)
	if err != nil {
		return false, fmt.Errorf("getBool: %w", err)
	}
	return v, nil
}

// GetFloat64 returns a float variable.
func (vars *Vars) GetFloat64(key string) (float64, error) {
	return get[float64](vars, key)
}

// SetString sets a string value for the specified key.
func (vars *Vars) SetString(key string, value string) {
	vars.vals[key] = value
}

// SetInt64 sets an int64 value for the specified key.
func (vars *Vars) SetInt64(key string, value int64) {
	vars.vals[key] = value
}

// SetFloat64 sets a float64 value for the specified key.
func (vars *Vars) SetFloat64(key string, value float64) {
	vars.vals[key] = value
}

// SetBool sets a boolean value for the specified key.
func (vars *Vars) SetBool(key string, value bool) {
	vars.vals[key] = value
}

// Merge copies every variable of other into vars, overwriting existing keys.
func (vars *Vars) Merge(other *Vars) {
	maps.Copy(vars.vals, other.vals)
}

// Map returns a copy of the variables suitable for expression evaluation.
func (vars *Vars) Map() map[string]any {
	return maps.Clone(vars.vals)
}

// Encode encodes the variables to be persisted or sent across the wire.
func (vars *Vars) Encode(ctx context.Context) ([]byte, error) {
	b, err := msgpack.Marshal(vars.vals)
	if err != nil {
		return nil, logx.Err(ctx, "encode vars", err, slog.Int("count", len(vars.vals)))
	}
	return b, nil
}

// Decode decodes encoded variables into vars.
func (vars *Vars) Decode(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(b, &vars.vals); err != nil {
		return logx.Err(ctx, "decode vars", err, slog.Int("len", len(b)))
	}
	if vars.vals == nil {
		vars.vals = make(map[string]any)
	}
	return nil
}

// Len returns the number of variables.
func (vars *Vars) Len() int {
	return len(vars.vals)
}

// Keys returns an iterator over the variable names.
func (vars *Vars) Keys() iter.Seq[string] {
	return maps.Keys(vars.vals)
}

// GetStruct decodes a structured variable into a new T.
func GetStruct[T any](vars *Vars, key string) (*T, error) {
	k, ok := vars.vals[key]
	if !ok {
		return nil, fmt.Errorf("workflow var %s found nil: %w", key, ErrVarNotFound)
	}
	if _, ok := k.(map[string]any); !ok {
		return nil, fmt.Errorf("workflow var %s is %s not a map: %w", key, reflect.TypeOf(k).Name(), ErrVarNotFound)
	}
	b, err := msgpack.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", key, err)
	}
	t := new(T)
	if err := msgpack.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return t, nil
}

// SetStruct stores a struct as a structured variable.
func SetStruct[T any](v *Vars, key string, t *T) error {
	if err := scanReflect(reflect.TypeOf(t).Elem()); err != nil {
		return fmt.Errorf("type contains fields incompatible with workflow variables: %w", err)
	}
	b, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal struct %s: %w", key, err)
	}
	mp := make(map[string]any)
	if err := msgpack.Unmarshal(b, &mp); err != nil {
		return fmt.Errorf("unmarshal struct %s: %w", key, err)
	}
	v.vals[key] = mp
	return nil
}

func scanReflect(t reflect.Type) error {
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("type %s is not a struct", t.Name())
	}
	for i := 0; i < t.NumField(); i++ {
		fld := t.Field(i)
		switch fld.Type.Kind() {
		case reflect.Int64, reflect.Float64, reflect.Bool, reflect.String:
		case reflect.Struct:
			if err := scanReflect(fld.Type); err != nil {
				return fmt.Errorf("validate struct %s: %w", t.Name(), err)
			}
		default:
			return fmt.Errorf("field %s (%s) is not of a permitted type", fld.Name, fld.Type.Name())
		}
	}
	return nil
}
