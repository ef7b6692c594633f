package shared

import "fmt"

// SegmentLockKey builds redis keys for per-segment recompute critical sections.
func SegmentLockKey(segmentID int64) string {
	return fmt.Sprintf("segments:%d:recompute", segmentID)
}

// AutoburnLockKey builds the redis key guarding the expiration sweep.
func AutoburnLockKey(cashboxID int64) string {
	return fmt.Sprintf("loyalty:%d:autoburn", cashboxID)
}
