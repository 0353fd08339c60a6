package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDType_CPUAlwaysFloat32(t *testing.T) {
	got, err := ParseDType("bfloat16", DeviceCPU)
	assert.NoError(t, err)
	assert.Equal(t, DTypeFloat32, got)
}

func TestParseDType_CaseInsensitiveAliases(t *testing.T) {
	cases := map[string]DType{
		"half":     DTypeFloat16,
		"FLOAT16":  DTypeFloat16,
		"bfloat16": DTypeBFloat16,
		"Float":    DTypeFloat32,
		"float32":  DTypeFloat32,
		"":         DTypeFloat16,
		"auto":     DTypeFloat16,
	}
	for in, want := range cases {
		got, err := ParseDType(in, DeviceCUDA)
		assert.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseDType_UnsupportedIsConfigError(t *testing.T) {
	_, err := ParseDType("int8", DeviceCUDA)
	assert.Error(t, err)
}
