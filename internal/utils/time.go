package utils

import "time"

func Now() time.Time {
	return time.Now().UTC()
}

func NowPtr() *time.Time {
	now := Now()
	return &now
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

func IsInFuture(t time.Time) bool {
	return t.After(Now())
}
