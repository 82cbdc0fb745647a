package options

import (
	"encoding/json"
	"testing"

	"TermChat/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DuplicateKeysCollapseInOrder(t *testing.T) {
	o := Parse("seed 1\nseed 2\nseed 3\n")

	v, ok := o.Get("seed")
	require.True(t, ok)
	assert.Equal(t, KindList, v.Kind)
	assert.Equal(t, []Value{Int(1), Int(2), Int(3)}, v.List)
	assert.Equal(t, []string{"seed"}, o.Keys())
}

func TestParse_SingleKeyStaysScalar(t *testing.T) {
	o := Parse("temperature 0.7")

	v, ok := o.Get("temperature")
	require.True(t, ok)
	assert.Equal(t, KindFloat, v.Kind)
	assert.InDelta(t, 0.7, v.Float, 1e-9)
}

func TestParse_FalsyFirstValueStillCollapses(t *testing.T) {
	o := Parse("use_mmap False\nuse_mmap True")

	v, _ := o.Get("use_mmap")
	assert.Equal(t, List(Bool(false), Bool(true)), v)
}

func TestParse_ListLiteralFollowedByDuplicate(t *testing.T) {
	o := Parse("stop [\"a\", \"b\"]\nstop \"c\"\nstop \"d\"")

	v, _ := o.Get("stop")
	assert.Equal(t, List(String("a"), String("b"), String("c"), String("d")), v)
	assert.Equal(t, map[string]any{"stop": []any{"a", "b", "c", "d"}}, o.Map())
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Value
	}{
		{"int", "42", Int(42)},
		{"negative int", "-7", Int(-7)},
		{"underscored int", "1_000", Int(1000)},
		{"float", "0.5", Float(0.5)},
		{"exponent float", "1e-3", Float(0.001)},
		{"leading dot float", ".25", Float(0.25)},
		{"python true", "True", Bool(true)},
		{"lower false", "false", Bool(false)},
		{"double quoted", `"hello world"`, String("hello world")},
		{"single quoted", `'it''s'`, String(`'it''s'`)},
		{"single quoted escape", `'a\nb'`, String("a\nb")},
		{"list", `[1, 2.5, "x", True]`, List(Int(1), Float(2.5), String("x"), Bool(true))},
		{"nested list", "[[1], []]", List(List(Int(1)), List())},
		{"bare word falls back", "hello", String("hello")},
		{"unterminated string falls back", `"oops`, String(`"oops`)},
		{"unterminated list falls back", "[1, 2", String("[1, 2")},
		{"inf is not a float", "inf", String("inf")},
		{"leading zero falls back", "010", String("010")},
		{"trailing garbage falls back", "1 2", String("1 2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.raw))
		})
	}
}

func TestParse_SkipsBlankLinesAndSplitsOnFirstWhitespaceRun(t *testing.T) {
	o := Parse("\n  \nstop \t  my  stop word\n\nnum_ctx    4096\n")

	assert.Equal(t, []string{"stop", "num_ctx"}, o.Keys())
	stop, _ := o.Get("stop")
	assert.Equal(t, String("my  stop word"), stop)
	ctx, _ := o.Get("num_ctx")
	assert.Equal(t, Int(4096), ctx)
}

func TestParse_KeyWithoutValue(t *testing.T) {
	o := Parse("numa")

	v, ok := o.Get("numa")
	require.True(t, ok)
	assert.Equal(t, String(""), v)
}

func TestOverrides_Validate(t *testing.T) {
	require.NoError(t, Parse("temperature 0.2\ntop_k 10").Validate())

	err := Parse("temperature 0.2\nbogus 1").Validate()
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "bogus")
}

func TestOverrides_ValidateKinds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"float", "temperature 0.7", true},
		{"int as float", "temperature 1", true},
		{"word as float", "temperature hot", false},
		{"float as int", "num_ctx 4.5", false},
		{"bool", "use_mmap False", true},
		{"word as bool", "use_mmap maybe", false},
		{"int as bool", "low_vram 1", false},
		{"stop string", "stop </s>", true},
		{"stop repeated", "stop a\nstop b", true},
		{"stop list", "stop [\"a\", \"b\"]", true},
		{"stop nested list", "stop [[\"a\"], \"b\"]", false},
		{"stop number", "stop 3", false},
		{"repeated ints", "seed 1\nseed 2", true},
		{"repeated mixed", "seed 1\nseed x", false},
		{"missing value", "numa", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Parse(tt.input).Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "options", verr.Field)
			assert.Contains(t, verr.Reason, "invalid value(s)")
		})
	}
}

func TestOverrides_StringReparses(t *testing.T) {
	src := "temperature 0.7\nstop \"a\"\nstop \"b\"\nnum_ctx 2048\nuse_mlock True\n"
	o := Parse(src)

	again := Parse(o.String())
	assert.Equal(t, o.Map(), again.Map())
	assert.Equal(t, o.Keys(), again.Keys())
}

func TestOverrides_JSONKeepsOrderAndFloats(t *testing.T) {
	o := Parse("top_p 1.0\nseed 5\ntemperature 2.0\nstop 'x'\nstop 'y'")

	data, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, `{"top_p":1.0,"seed":5,"temperature":2.0,"stop":["x","y"]}`, string(data))

	var back Overrides
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"top_p", "seed", "temperature", "stop"}, back.Keys())

	topP, _ := back.Get("top_p")
	assert.Equal(t, Float(1.0), topP)
	seed, _ := back.Get("seed")
	assert.Equal(t, Int(5), seed)
}

func TestOverrides_MapEmptyIsNil(t *testing.T) {
	var o Overrides
	assert.Nil(t, o.Map())

	data, err := json.Marshal(o)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
