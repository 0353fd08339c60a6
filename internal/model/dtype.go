package model

import (
	"strings"

	"github.com/inference-sim/inference-core/internal/coreerr"
)

// DType is the storage dtype tag for model weights and activations.
// Quantized formats are out of scope (see spec.md Non-goals); DType
// only distinguishes the floating-point storage width.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeBFloat16
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat16:
		return "float16"
	case DTypeBFloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// Sizeof returns the byte width of one element of d.
func (d DType) Sizeof() int64 {
	switch d {
	case DTypeFloat32:
		return 4
	case DTypeFloat16, DTypeBFloat16:
		return 2
	default:
		return 4
	}
}

// DeviceKind distinguishes the "cpu" device kind, which always forces
// fp32, from accelerator devices.
type DeviceKind int

const (
	DeviceCPU DeviceKind = iota
	DeviceCUDA
)

// ParseDType resolves a configured dtype string to a DType, matching
// ScaleLLM's engine.cpp parse_dtype case-insensitive matching: CPU
// devices always get float32 regardless of the requested string; an
// empty or "auto" string resolves to float16 on accelerator devices.
func ParseDType(s string, kind DeviceKind) (DType, error) {
	if kind == DeviceCPU {
		return DTypeFloat32, nil
	}
	switch {
	case eqFold(s, "half") || eqFold(s, "float16"):
		return DTypeFloat16, nil
	case eqFold(s, "bfloat16"):
		return DTypeBFloat16, nil
	case eqFold(s, "float") || eqFold(s, "float32"):
		return DTypeFloat32, nil
	case s == "" || eqFold(s, "auto"):
		return DTypeFloat16, nil
	default:
		return 0, &coreerr.ErrConfig{Msg: "unsupported dtype: " + s}
	}
}

func eqFold(a, b string) bool { return strings.EqualFold(a, b) }
