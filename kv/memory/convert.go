package memory

import "strconv"

// Hash values are stored as strings, mirroring Redis.

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64) //nolint:errcheck // best-effort parse, empty means zero
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
