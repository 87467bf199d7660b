package serialmux

import "strings"

const (
	LineTypeFrame   = "frame"
	LineTypeBatch   = "batch"
	LineTypeStatus  = "status"
	LineTypeUnknown = "unknown"
)

// ClassifyLine gives a cheap guess at what a gateway line carries without
// decoding it. Batch packages are checked first since they embed frames.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		if line == "" {
			return LineTypeUnknown
		}
		return LineTypeStatus
	}
	switch {
	case strings.Contains(line, `"end_timestamp_ms"`):
		return LineTypeBatch
	case strings.Contains(line, `"device_id"`):
		return LineTypeFrame
	default:
		return LineTypeUnknown
	}
}
