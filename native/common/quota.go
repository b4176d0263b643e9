package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the usage counter for one address within an epoch.
type QuotaNow struct {
	Count   uint32
	EpochID uint64
}

// Quota bounds how many operations an address may perform per epoch. A zero
// MaxPerEpoch disables the cap.
type Quota struct {
	MaxPerEpoch  uint32
	EpochSeconds uint32
}

// Epoch maps a unix timestamp onto the quota epoch counter.
func (q Quota) Epoch(now int64) uint64 {
	if q.EpochSeconds == 0 || now <= 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies the additional usage fits within the configured quota.
// The returned QuotaNow carries the updated counters when the quota holds; on
// rejection the previous counters are returned untouched.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, add uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}
	if add > 0 {
		if next.Count > math.MaxUint32-add {
			return prev, ErrQuotaCounterOverflow
		}
		next.Count += add
	}
	if q.MaxPerEpoch > 0 && next.Count > q.MaxPerEpoch {
		return prev, ErrQuotaExceeded
	}
	return next, nil
}
