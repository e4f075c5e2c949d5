package admission

import (
	"strconv"
	"time"
)

// Store layout. Every key is relative to the store's own namespace.
const (
	keyPending        = "pending"
	keyPendingContext = "pending:ctx:"
	keyLock           = "lock:"
	keyDedup          = "dedup:"
	keyQuotaMinute    = "quota:minute:"
	keyQuotaTotal     = "quota:total"
	keyTrialStart     = "quota:trial_start"
	keyDisabled       = "controller:disabled"
)

func pendingContextKey(subject string) string {
	return keyPendingContext + subject
}

func lockKey(subject string) string {
	return keyLock + subject
}

func dedupKey(subject string, eventAt int64) string {
	return keyDedup + subject + ":" + strconv.FormatInt(eventAt, 10)
}

func minuteKey(t time.Time) string {
	return keyQuotaMinute + strconv.FormatInt(t.Unix()/60, 10)
}
