package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// QueryRepository defines the interface for query data access.
type QueryRepository interface {
	Insert(ctx context.Context, query *models.Query) error
	Get(ctx context.Context, id uuid.UUID) (*models.Query, error)
	// GetByResponseID finds the local query whose remote counterpart id
	// matches responseID, in the given role.
	GetByResponseID(ctx context.Context, responseID string, role models.QueryRole) (*models.Query, error)
	ListByParent(ctx context.Context, parentID uuid.UUID) ([]*models.Query, error)
	// SetResponse records the response and new status for a query whose
	// response is still null. Returns ErrResponseAlreadySet otherwise.
	SetResponse(ctx context.Context, id uuid.UUID, response *models.QueryResponse, status models.QueryStatus) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.QueryStatus) error
}

// queryRepository implements QueryRepository using PostgreSQL.
type queryRepository struct {
	db *database.DB
}

// NewQueryRepository creates a new query repository.
func NewQueryRepository(db *database.DB) QueryRepository {
	return &queryRepository{db: db}
}

const queryColumns = `id, connection_id, parent_id, type, role, status, details,
	response_id, response, expires_at, created_at, updated_at`

func (r *queryRepository) Insert(ctx context.Context, query *models.Query) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	if query.ID == uuid.Nil {
		query.ID = uuid.New()
	}
	now := time.Now()
	query.CreatedAt = now
	query.UpdatedAt = now

	details, err := json.Marshal(query.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	response, err := marshalResponse(query.Response)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO query (id, connection_id, parent_id, type, role, status, details,
			response_id, response, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		query.ID,
		query.ConnectionID,
		query.ParentID,
		query.Type,
		query.Role,
		query.Status,
		details,
		query.ResponseID,
		response,
		query.ExpiresAt,
		query.CreatedAt,
		query.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}
	return nil
}

func (r *queryRepository) Get(ctx context.Context, id uuid.UUID) (*models.Query, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	row := q.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM query WHERE id = $1`, queryColumns), id)
	return scanQuery(row)
}

func (r *queryRepository) GetByResponseID(ctx context.Context, responseID string, role models.QueryRole) (*models.Query, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	row := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM query WHERE response_id = $1 AND role = $2`, queryColumns),
		responseID, role)
	return scanQuery(row)
}

func (r *queryRepository) ListByParent(ctx context.Context, parentID uuid.UUID) ([]*models.Query, error) {
	q := database.QuerierFrom(ctx, r.db.Pool)

	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM query WHERE parent_id = $1 ORDER BY created_at`, queryColumns),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child queries: %w", err)
	}
	defer rows.Close()

	var queries []*models.Query
	for rows.Next() {
		query, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, query)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read child queries: %w", err)
	}
	return queries, nil
}

func (r *queryRepository) SetResponse(ctx context.Context, id uuid.UUID, response *models.QueryResponse, status models.QueryStatus) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	encoded, err := marshalResponse(response)
	if err != nil {
		return err
	}

	// The response IS NULL guard makes resolution idempotent under
	// duplicate deliveries.
	result, err := q.Exec(ctx,
		`UPDATE query SET response = $2, status = $3, updated_at = $4
		 WHERE id = $1 AND response IS NULL`,
		id, encoded, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set query response: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrResponseAlreadySet
	}
	return nil
}

func (r *queryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.QueryStatus) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	result, err := q.Exec(ctx,
		`UPDATE query SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update query status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func marshalResponse(response *models.QueryResponse) ([]byte, error) {
	if response == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return encoded, nil
}

func scanQuery(row pgx.Row) (*models.Query, error) {
	var query models.Query
	var details, response []byte

	err := row.Scan(
		&query.ID,
		&query.ConnectionID,
		&query.ParentID,
		&query.Type,
		&query.Role,
		&query.Status,
		&details,
		&query.ResponseID,
		&response,
		&query.ExpiresAt,
		&query.CreatedAt,
		&query.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query: %w", err)
	}

	if err := json.Unmarshal(details, &query.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal details: %w", err)
	}
	if response != nil {
		query.Response = &models.QueryResponse{}
		if err := json.Unmarshal(response, query.Response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return &query, nil
}

// Ensure queryRepository implements QueryRepository at compile time.
var _ QueryRepository = (*queryRepository)(nil)
