// Package token manages the pool of upstream session tokens: quota
// buckets, cooldown state and selection for retries.
package token

import (
	"time"
)

// Status is the lifecycle state of a token.
type Status string

const (
	// StatusActive tokens are selectable while they have quota.
	StatusActive Status = "active"
	// StatusCooling tokens sit out a cooldown, either until a deadline
	// or until a number of pool-wide requests have passed.
	StatusCooling Status = "cooling"
	// StatusExpired tokens were rejected with 401 and need re-login.
	StatusExpired Status = "expired"
	// StatusDisabled tokens were rejected with 403 or turned off by an
	// operator.
	StatusDisabled Status = "disabled"
)

// UnlimitedQuota marks a token whose credit is not metered.
const UnlimitedQuota = -1

// Token is one upstream session credential.
type Token struct {
	ID    string `json:"id"`
	Value string `json:"value"`
	Pool  string `json:"pool"`
	Note  string `json:"note,omitempty"`

	Status Status `json:"status"`
	Quota  int    `json:"quota"`

	// ConsecutiveFailures counts 5xx-class errors since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// CooldownUntil gates time-based cooldowns (rate limits).
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`

	// CooldownRequests gates count-based cooldowns (error streaks): the
	// token thaws after this many pool-wide requests.
	CooldownRequests int `json:"cooldown_requests,omitempty"`

	// QuotaRefreshAt is when the quota resets to the pool's full amount.
	QuotaRefreshAt time.Time `json:"quota_refresh_at,omitzero"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// Selectable reports whether the token may serve a request right now.
func (t *Token) Selectable(now time.Time) bool {
	if t.Status != StatusActive {
		return false
	}
	return t.Quota > 0 || t.Quota == UnlimitedQuota
}

// Clone returns a copy safe to hand outside the manager's lock.
func (t *Token) Clone() *Token {
	c := *t
	return &c
}
