package blob

import (
	"sync"
)

// QuotaManager tracks committed storage usage and the space reserved by
// uploads that are still streaming.
//
// usedBytes only ever reflects committed objects. Reservations are checked
// against the quota together with usedBytes so concurrent uploads cannot
// overshoot it, and move into usedBytes on Commit.
type QuotaManager struct {
	maxBytes      int64 // 0 = unlimited
	usedBytes     int64
	reservedBytes int64
	objects       int64
	mu            sync.RWMutex
}

// NewQuotaManager creates a new quota manager.
// maxBytes of 0 means unlimited.
func NewQuotaManager(maxBytes int64) *QuotaManager {
	return &QuotaManager{maxBytes: maxBytes}
}

// MaxBytes returns the maximum allowed storage in bytes.
func (qm *QuotaManager) MaxBytes() int64 {
	return qm.maxBytes
}

// UsedBytes returns the bytes held by committed objects.
func (qm *QuotaManager) UsedBytes() int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.usedBytes
}

// ReservedBytes returns the bytes held by in-flight uploads.
func (qm *QuotaManager) ReservedBytes() int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.reservedBytes
}

// Objects returns the number of committed objects.
func (qm *QuotaManager) Objects() int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.objects
}

// AvailableBytes returns the remaining available storage.
// Returns -1 if unlimited.
func (qm *QuotaManager) AvailableBytes() int64 {
	if qm.maxBytes == 0 {
		return -1
	}
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	avail := qm.maxBytes - qm.usedBytes - qm.reservedBytes
	if avail < 0 {
		return 0
	}
	return avail
}

// Reserve sets aside bytes for an upload.
// Returns false, leaving usage untouched, if the quota would be exceeded.
func (qm *QuotaManager) Reserve(bytes int64) bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if qm.maxBytes > 0 && qm.usedBytes+qm.reservedBytes+bytes > qm.maxBytes {
		return false
	}
	qm.reservedBytes += bytes
	return true
}

// Commit turns a reservation into committed usage for one new object.
func (qm *QuotaManager) Commit(bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.reservedBytes -= bytes
	if qm.reservedBytes < 0 {
		qm.reservedBytes = 0
	}
	qm.usedBytes += bytes
	qm.objects++
}

// Cancel drops a reservation whose upload failed.
func (qm *QuotaManager) Cancel(bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.reservedBytes -= bytes
	if qm.reservedBytes < 0 {
		qm.reservedBytes = 0
	}
}

// Release records removal of one committed object.
func (qm *QuotaManager) Release(bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.usedBytes -= bytes
	if qm.usedBytes < 0 {
		qm.usedBytes = 0
	}
	if qm.objects > 0 {
		qm.objects--
	}
}

// SetUsed sets the committed usage (used during the startup scan).
func (qm *QuotaManager) SetUsed(bytes, objects int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.usedBytes = bytes
	qm.objects = objects
}
