// Package humanize formats byte counts for log lines.
package humanize

import "fmt"

const (
	kb = 1 << 10
	mb = 1 << 20
	gb = 1 << 30
	tb = 1 << 40
)

// Bytes renders n as a human-readable size, e.g. "5.00GB".
// Mirrors the readable_size helper the original engine logs memory with.
func Bytes(n int64) string {
	switch {
	case n >= tb:
		return fmt.Sprintf("%.2fTB", float64(n)/tb)
	case n >= gb:
		return fmt.Sprintf("%.2fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.2fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.2fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
