package model

import "time"

// DepositCursor is the reconciliation watermark for one watched asset: the
// most recent externally-ordered event reference already processed. It only
// ever advances; re-running from the same cursor must not re-credit.
type DepositCursor struct {
	Asset             Asset
	LastSeenReference string
	ItemsProcessed    int64
	LastPolledAt      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
