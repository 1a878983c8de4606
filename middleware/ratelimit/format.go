// formatação de números para headers, via strconv (sem fmt).
// floats saem sem notação científica para valores comuns.

package ratelimit

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
