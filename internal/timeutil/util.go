// Package timeutil provides utilities for working with time in a consistent
// manner. All timestamps are seconds since the Unix epoch, in UTC.
package timeutil

import "time"

func TimestampNow() int {
	return int(time.Now().Unix())
}

func Timestamp(t time.Time) int {
	return int(t.Unix())
}
