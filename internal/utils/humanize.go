package utils

import (
	"github.com/dustin/go-humanize"
)

// ConvertBytesToHumanReadable renders a byte count for logs, e.g. "4.0 MiB".
func ConvertBytesToHumanReadable(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed renders bytes per second by repeated 1024 division with truncation:
// 1023 -> "1,023B/s", 1024 -> "1KB/s", 5*1024*1024+1 -> "5MB/s".
func FormatSpeed(bytesPerSecond int64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	size := bytesPerSecond
	if size < 1024 {
		return humanize.Comma(size) + "B/s"
	}
	size /= 1024
	if size < 1024 {
		return humanize.Comma(size) + "KB/s"
	}
	size /= 1024
	return humanize.Comma(size) + "MB/s"
}
