package util

// Offer delivers v to ch without blocking. When ch is full the oldest queued
// value is dropped to make room, so a slow reader always ends up with the
// latest value. Use it for channels carrying full snapshots.
func Offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
