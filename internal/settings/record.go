// Package settings persists the per-user panel settings record.
//
// Each panel user owns exactly one Record holding their bot prompt, Evolution
// API credentials, and the messaging-instance connection state. Records are
// created lazily with defaults on first access and mutated only through
// partial updates keyed by user id.
package settings

import "time"

// ConnectionStatus is the persisted instance connection state.
// Pending transition states are never written to the store.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)

// Record is the single per-user settings row.
type Record struct {
	// UserID is the unique key, immutable after creation.
	UserID string `json:"user_id"`

	// ConnectionStatus mirrors the remote instance's pairing state.
	ConnectionStatus ConnectionStatus `json:"connection_status"`

	// InstanceURL is the user-supplied messaging-gateway instance URL.
	// Empty string means unset.
	InstanceURL string `json:"instance_url"`

	// BotPrompt is the system prompt applied to the user's bot.
	BotPrompt string `json:"bot_prompt"`

	// EvolutionURL and EvolutionKey are the Evolution API credentials.
	EvolutionURL string `json:"evolution_url"`
	EvolutionKey string `json:"evolution_key"`

	// LastCheckedAt is set when a credential test against the Evolution API
	// succeeds. Nil until the first successful check.
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	ConnectionStatus *ConnectionStatus
	InstanceURL      *string
	BotPrompt        *string
	EvolutionURL     *string
	EvolutionKey     *string
	LastCheckedAt    *time.Time
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.ConnectionStatus == nil &&
		p.InstanceURL == nil &&
		p.BotPrompt == nil &&
		p.EvolutionURL == nil &&
		p.EvolutionKey == nil &&
		p.LastCheckedAt == nil
}

// defaultRecord builds the record written on first access.
func defaultRecord(userID string, now time.Time) *Record {
	return &Record{
		UserID:           userID,
		ConnectionStatus: StatusDisconnected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
