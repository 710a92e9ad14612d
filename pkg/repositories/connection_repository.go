package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// ConnectionRepository defines the interface for connection data access.
type ConnectionRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	// GetByAgentConnectionID resolves a connection by the remote agent's
	// channel reference.
	GetByAgentConnectionID(ctx context.Context, agentConnectionID string) (*models.Connection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error
	// IncrementPinAttempts atomically bumps the attempt counter and returns
	// the new value.
	IncrementPinAttempts(ctx context.Context, id uuid.UUID) (uint8, error)
	ResetPinAttempts(ctx context.Context, id uuid.UUID) error
}

// connectionRepository implements ConnectionRepository using PostgreSQL.
type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, company_name, company_number, status, agent_connection_id,
	pin_attempt_count, pin_tries_remaining_count, registry_country_code, created_at, updated_at`

func (r *connectionRepository) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	row := q.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM connection WHERE id = $1`, connectionColumns), id)
	return scanConnection(row)
}

func (r *connectionRepository) GetByAgentConnectionID(ctx context.Context, agentConnectionID string) (*models.Connection, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	row := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM connection WHERE agent_connection_id = $1`, connectionColumns),
		agentConnectionID)
	return scanConnection(row)
}

func (r *connectionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	result, err := q.Exec(ctx,
		`UPDATE connection SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) IncrementPinAttempts(ctx context.Context, id uuid.UUID) (uint8, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	var count uint8
	err := q.QueryRow(ctx,
		`UPDATE connection
		 SET pin_attempt_count = pin_attempt_count + 1, updated_at = $2
		 WHERE id = $1
		 RETURNING pin_attempt_count`,
		id, time.Now()).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment pin attempts: %w", err)
	}
	return count, nil
}

func (r *connectionRepository) ResetPinAttempts(ctx context.Context, id uuid.UUID) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	result, err := q.Exec(ctx,
		`UPDATE connection SET pin_attempt_count = 0, updated_at = $2 WHERE id = $1`,
		id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to reset pin attempts: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ID,
		&conn.CompanyName,
		&conn.CompanyNumber,
		&conn.Status,
		&conn.AgentConnectionID,
		&conn.PinAttemptCount,
		&conn.PinTriesRemaining,
		&conn.RegistryCountryCode,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &conn, nil
}

// Ensure connectionRepository implements ConnectionRepository at compile time.
var _ ConnectionRepository = (*connectionRepository)(nil)
