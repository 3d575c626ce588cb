package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Age     int64
	Address struct {
		HouseNumber int64
		Postcode    string
	}
}

func TestVarsGet(t *testing.T) {
	vars := NewVars()
	vars.SetString("1", "value")
	vars.SetFloat64("2", 77777.77777)
	vars.SetBool("3", true)

	s, err := vars.GetString("1")
	assert.NoError(t, err)
	assert.Equal(t, "value", s)

	f, err := vars.GetFloat64("2")
	assert.NoError(t, err)
	assert.Equal(t, 77777.77777, f)

	_, err = vars.GetString("3")
	assert.ErrorIs(t, err, ErrVarNotFound)
	_, err = vars.GetInt64("missing")
	assert.ErrorIs(t, err, ErrVarNotFound)
}

func TestVarsEncodeMerge(t *testing.T) {
	ctx := context.Background()
	v := NewVars()
	v.SetInt64("count", 3)
	v.SetString("name", "a")
	b, err := v.Encode(ctx)
	require.NoError(t, err)

	d, err := DecodeVars(ctx, b)
	require.NoError(t, err)
	n, err := d.GetInt64("count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	other, err := VarsFrom(map[string]any{"name": "b", "ok": true})
	require.NoError(t, err)
	d.Merge(other)
	assert.Equal(t, 3, d.Len())
	name, err := d.GetString("name")
	require.NoError(t, err)
	assert.Equal(t, "b", name)
	assert.Equal(t, true, d.Map()["ok"])

	_, err = VarsFrom(map[string]any{"bad": []int{1}})
	assert.Error(t, err)
}

func TestStructRoundTrip(t *testing.T) {
	v := NewVars()
	p := person{Age: 40}
	p.Address.HouseNumber = 21
	p.Address.Postcode = "CO1 1AA"

	require.NoError(t, SetStruct(v, "person", &p))
	ctx := context.Background()
	b, err := v.Encode(ctx)
	require.NoError(t, err)
	c, err := DecodeVars(ctx, b)
	require.NoError(t, err)
	n, err := GetStruct[person](c, "person")
	require.NoError(t, err)
	assert.Equal(t, p, *n)
}
