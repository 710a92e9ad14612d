package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// InviteRepository defines the interface for connection invite data access.
type InviteRepository interface {
	// ListValidByConnection returns the invites still eligible for PIN
	// matching on a connection.
	ListValidByConnection(ctx context.Context, connectionID uuid.UUID) ([]*models.ConnectionInvite, error)
	UpdateValidity(ctx context.Context, id uuid.UUID, validity models.InviteValidity) error
	// UpdateValidityForConnection transitions every invite of the connection
	// currently in state from into state to.
	UpdateValidityForConnection(ctx context.Context, connectionID uuid.UUID, from, to models.InviteValidity) error
}

// inviteRepository implements InviteRepository using PostgreSQL.
type inviteRepository struct {
	db *database.DB
}

// NewInviteRepository creates a new invite repository.
func NewInviteRepository(db *database.DB) InviteRepository {
	return &inviteRepository{db: db}
}

func (r *inviteRepository) ListValidByConnection(ctx context.Context, connectionID uuid.UUID) ([]*models.ConnectionInvite, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	rows, err := q.Query(ctx,
		`SELECT id, connection_id, pin_hash, expires_at, validity, created_at
		 FROM connection_invite
		 WHERE connection_id = $1 AND validity = $2
		 ORDER BY created_at`,
		connectionID, models.InviteValid)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var invites []*models.ConnectionInvite
	for rows.Next() {
		var invite models.ConnectionInvite
		if err := rows.Scan(
			&invite.ID,
			&invite.ConnectionID,
			&invite.PinHash,
			&invite.ExpiresAt,
			&invite.Validity,
			&invite.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, &invite)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read invites: %w", err)
	}
	return invites, nil
}

func (r *inviteRepository) UpdateValidity(ctx context.Context, id uuid.UUID, validity models.InviteValidity) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	result, err := q.Exec(ctx,
		`UPDATE connection_invite SET validity = $2 WHERE id = $1`,
		id, validity)
	if err != nil {
		return fmt.Errorf("failed to update invite validity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *inviteRepository) UpdateValidityForConnection(ctx context.Context, connectionID uuid.UUID, from, to models.InviteValidity) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	// Zero rows is fine here: a connection may have no invites left in the
	// source state.
	_, err := q.Exec(ctx,
		`UPDATE connection_invite SET validity = $3 WHERE connection_id = $1 AND validity = $2`,
		connectionID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update invite validity: %w", err)
	}
	return nil
}

// Ensure inviteRepository implements InviteRepository at compile time.
var _ InviteRepository = (*inviteRepository)(nil)
