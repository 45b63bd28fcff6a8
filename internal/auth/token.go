// Package auth owns the user credential: it acquires one via the OAuth device
// flow, keeps it valid with periodic validation and refresh, and notifies
// registered observers whenever the credential changes.
package auth

import "time"

// ClientID is the public application identifier used for the device flow.
const ClientID = "uyf8apz7jdx3ujc3pboj58vim8c8a6"

// DefaultScopes are the scopes requested during the device flow.
var DefaultScopes = []string{
	"user:read:chat",
	"user:write:chat",
	"user:read:follows",
	"user:read:emotes",
	"user:read:blocked_users",
	"user:read:subscriptions",
}

// Token is the bearer credential authorizing API calls on the user's behalf.
// Lifetime is the remaining validity observed at ObservedAt; it decays as time
// passes, so callers use ExpiresIn rather than reading Lifetime directly.
type Token struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	UserID       string        `json:"user_id"`
	Login        string        `json:"login"`
	Scopes       []string      `json:"scopes"`
	Lifetime     time.Duration `json:"lifetime"`
	ObservedAt   time.Time     `json:"observed_at"`
}

// ExpiresIn returns the remaining lifetime at the given instant, never
// negative.
func (t Token) ExpiresIn(now time.Time) time.Duration {
	remaining := t.Lifetime - now.Sub(t.ObservedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
