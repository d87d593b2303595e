package ratelimit

import "fmt"

// Record is the persisted state for one (identity, endpoint) pair. Times are
// unix milliseconds. Violations only reset through a successful challenge;
// clearing the request window never forgives them.
type Record struct {
	Requests   []int64 `json:"requests"`
	BlockUntil int64   `json:"blockUntil"`
	Violations int     `json:"violations"`
}

// RecordKey builds the storage key for an identity/endpoint pair. The format
// matches the per-origin storage layout of the form frontend.
func RecordKey(identity, endpoint string) string {
	return fmt.Sprintf("%s_%s", identity, endpoint)
}

// prune drops request timestamps that fell out of the active window.
func (r *Record) prune(windowStart int64) {
	kept := r.Requests[:0]
	for _, ts := range r.Requests {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	r.Requests = kept
}
