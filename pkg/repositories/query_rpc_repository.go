package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// QueryRpcRepository records the DRPC exchanges tied to a query. Rows are
// append-only.
type QueryRpcRepository interface {
	Insert(ctx context.Context, rpc *models.QueryRpc) error
}

// queryRpcRepository implements QueryRpcRepository using PostgreSQL.
type queryRpcRepository struct {
	db *database.DB
}

// NewQueryRpcRepository creates a new query RPC audit repository.
func NewQueryRpcRepository(db *database.DB) QueryRpcRepository {
	return &queryRpcRepository{db: db}
}

func (r *queryRpcRepository) Insert(ctx context.Context, rpc *models.QueryRpc) error {
	q := database.QuerierFrom(ctx, r.db.Pool)

	if rpc.ID == uuid.Nil {
		rpc.ID = uuid.New()
	}
	rpc.CreatedAt = time.Now()

	_, err := q.Exec(ctx,
		`INSERT INTO query_rpc (id, query_id, method, role, agent_rpc_id, result, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rpc.ID,
		rpc.QueryID,
		rpc.Method,
		rpc.Role,
		rpc.AgentRpcID,
		[]byte(rpc.Result),
		[]byte(rpc.Error),
		rpc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query rpc: %w", err)
	}
	return nil
}

// Ensure queryRpcRepository implements QueryRpcRepository at compile time.
var _ QueryRpcRepository = (*queryRpcRepository)(nil)
