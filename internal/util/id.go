package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

var lastMillis atomic.Int64

// NewTimestampID returns the current Unix time in milliseconds as a decimal
// string. Values are strictly increasing within the process even when the
// clock stalls or two callers land in the same millisecond.
func NewTimestampID(now time.Time) string {
	candidate := now.UnixMilli()
	for {
		last := lastMillis.Load()
		next := candidate
		if next <= last {
			next = last + 1
		}
		if lastMillis.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}
