package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus tracks how far a bilateral relationship has progressed
// through mutual identity verification.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionUnverified   ConnectionStatus = "unverified"
	ConnectionVerifiedUs   ConnectionStatus = "verified_us"
	ConnectionVerifiedThem ConnectionStatus = "verified_them"
	ConnectionVerifiedBoth ConnectionStatus = "verified_both"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection is a bilateral relationship between two organizations.
// AgentConnectionID is nil until the remote agent has established the
// underlying secure channel.
type Connection struct {
	ID                  uuid.UUID
	CompanyName         string
	CompanyNumber       string
	Status              ConnectionStatus
	AgentConnectionID   *string
	PinAttemptCount     uint8
	PinTriesRemaining   *int
	RegistryCountryCode string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InviteValidity is the lifecycle state of a PIN challenge. Expired and
// too_many_attempts are terminal.
type InviteValidity string

const (
	InviteValid           InviteValidity = "valid"
	InviteExpired         InviteValidity = "expired"
	InviteTooManyAttempts InviteValidity = "too_many_attempts"
	InviteUsed            InviteValidity = "used"
)

// ConnectionInvite is one issued PIN challenge tied to a Connection.
// PinHash is a keyed Argon2id PHC string; the pepper is held by this process.
type ConnectionInvite struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	PinHash      string
	ExpiresAt    time.Time
	Validity     InviteValidity
	CreatedAt    time.Time
}
