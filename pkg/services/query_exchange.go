package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridata-exchange/exchange-engine/pkg/agent"
	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/drpc"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
	"github.com/veridata-exchange/exchange-engine/pkg/repositories"
)

// QueryExchangeService implements the two-method DRPC protocol for
// cross-organization data queries, including fan-in aggregation of partial
// answers contributed by upstream suppliers.
type QueryExchangeService interface {
	// HandleEvent processes one DRPC state change. A returned error signals
	// the dispatcher to retry the event.
	HandleEvent(ctx context.Context, event models.DrpcRequestStateChanged) error
}

type queryExchangeService struct {
	db          database.Transactor
	connections repositories.ConnectionRepository
	queries     repositories.QueryRepository
	rpcs        repositories.QueryRpcRepository
	agent       agent.API
	logger      *zap.Logger
}

// NewQueryExchangeService creates a new QueryExchangeService.
func NewQueryExchangeService(
	db database.Transactor,
	connections repositories.ConnectionRepository,
	queries repositories.QueryRepository,
	rpcs repositories.QueryRpcRepository,
	agentAPI agent.API,
	logger *zap.Logger,
) QueryExchangeService {
	return &queryExchangeService{
		db:          db,
		connections: connections,
		queries:     queries,
		rpcs:        rpcs,
		agent:       agentAPI,
		logger:      logger.Named("query-exchange"),
	}
}

var _ QueryExchangeService = (*queryExchangeService)(nil)

func (s *queryExchangeService) HandleEvent(ctx context.Context, event models.DrpcRequestStateChanged) error {
	if event.Role != models.DrpcRoleServer || event.State != models.DrpcStateRequestReceived || len(event.Request) == 0 {
		return nil
	}

	var request drpc.Request
	if err := json.Unmarshal(event.Request, &request); err != nil {
		s.logger.Warn("unparseable drpc request envelope",
			zap.String("agent_rpc_id", event.ID),
			zap.Error(err))
		return nil
	}

	switch request.Method {
	case drpc.MethodSubmitQueryRequest:
		return s.handleQueryRequest(ctx, event, request)
	case drpc.MethodSubmitQueryResponse:
		return s.handleQueryResponse(ctx, event, request)
	default:
		return s.respondError(ctx, event.ID, request.ID, drpc.MethodNotFound(request.Method))
	}
}

// handleQueryRequest accepts an inbound data request and records it as a
// query awaiting local input.
func (s *queryExchangeService) handleQueryRequest(ctx context.Context, event models.DrpcRequestStateChanged, request drpc.Request) error {
	params, err := drpc.ParseQueryRequestParams(request.Params)
	if err != nil {
		s.logger.Info("rejecting malformed query request",
			zap.String("agent_rpc_id", event.ID),
			zap.Error(err))
		return s.respondError(ctx, event.ID, request.ID, drpc.InvalidParams())
	}

	conn, err := s.connections.GetByAgentConnectionID(ctx, event.ConnectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Unknown channel: say nothing rather than leak internal state.
			return nil
		}
		return fmt.Errorf("resolve connection %s: %w", event.ConnectionID, err)
	}

	query := &models.Query{
		ConnectionID: conn.ID,
		Type:         params.Type,
		Role:         models.QueryRoleResponder,
		Status:       models.QueryStatusPendingYourInput,
		Details:      models.QueryDetails{SubjectID: params.Data.SubjectID},
		ResponseID:   &params.ID,
		ExpiresAt:    time.Unix(params.ExpiresTime, 0),
	}
	if err := s.queries.Insert(ctx, query); err != nil {
		// Nothing durable yet; let the dispatcher retry.
		return fmt.Errorf("insert query: %w", err)
	}

	if err := s.acknowledge(ctx, event, request, query.ID); err != nil {
		// The query exists but the remote party has not been answered. Mark
		// it errored and make sure they are not left hanging.
		s.logger.Error("failed to acknowledge query request",
			zap.String("query_id", query.ID.String()),
			zap.Error(err))
		if statusErr := s.queries.UpdateStatus(ctx, query.ID, models.QueryStatusErrored); statusErr != nil {
			s.logger.Error("failed to mark query errored", zap.Error(statusErr))
		}
		return s.respondError(ctx, event.ID, request.ID, drpc.InternalError())
	}

	s.logger.Info("query request accepted",
		zap.String("query_id", query.ID.String()),
		zap.String("connection_id", conn.ID.String()))
	return nil
}

// handleQueryResponse accepts an inbound answer to a previously forwarded
// request, resolving the local query and driving aggregation up the tree.
func (s *queryExchangeService) handleQueryResponse(ctx context.Context, event models.DrpcRequestStateChanged, request drpc.Request) error {
	params, err := drpc.ParseQueryResponseParams(request.Params)
	if err != nil {
		s.logger.Info("rejecting malformed query response",
			zap.String("agent_rpc_id", event.ID),
			zap.Error(err))
		return s.respondError(ctx, event.ID, request.ID, drpc.InvalidParams())
	}

	query, err := s.applyQueryResponse(ctx, event, params)
	if err != nil {
		s.logger.Error("failed to process query response",
			zap.String("agent_rpc_id", event.ID),
			zap.Error(err))
		return s.respondError(ctx, event.ID, request.ID, drpc.InternalError())
	}
	if query == nil {
		return nil
	}

	return s.acknowledge(ctx, event, request, query.ID)
}

// applyQueryResponse performs the stateful part of handleQueryResponse. A
// nil query with nil error means a silent abort: unknown channel, unknown
// target, or a duplicate response.
func (s *queryExchangeService) applyQueryResponse(ctx context.Context, event models.DrpcRequestStateChanged, params *drpc.QueryResponseParams) (*models.Query, error) {
	if _, err := s.connections.GetByAgentConnectionID(ctx, event.ConnectionID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve connection %s: %w", event.ConnectionID, err)
	}

	query, err := s.queries.GetByResponseID(ctx, params.ID, models.QueryRoleRequester)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find query for response %s: %w", params.ID, err)
	}

	// A response is accepted at most once per query.
	if query.Response != nil {
		return nil, nil
	}

	if err := s.queries.SetResponse(ctx, query.ID, &params.Data, models.QueryStatusResolved); err != nil {
		if errors.Is(err, apperrors.ErrResponseAlreadySet) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve query %s: %w", query.ID, err)
	}
	query.Response = &params.Data
	query.Status = models.QueryStatusResolved

	s.logger.Info("query resolved",
		zap.String("query_id", query.ID.String()),
		zap.Float64("total_kg", params.Data.TotalKilograms()))

	if query.ParentID != nil {
		if err := s.handleParentQuery(ctx, *query.ParentID, query); err != nil {
			return nil, err
		}
	}

	return query, nil
}

// handleParentQuery runs the fan-in aggregation rooted at parentID after the
// given child query has resolved. Aggregation is deferred until every
// sibling has answered. A propagation failure marks the triggering child
// errored and leaves the parent untouched so a later event can re-drive the
// check.
func (s *queryExchangeService) handleParentQuery(ctx context.Context, parentID uuid.UUID, child *models.Query) error {
	parent, err := s.queries.Get(ctx, parentID)
	if err != nil || parent.Response != nil {
		// Should not occur: a resolved or missing parent with children still
		// answering means the tree is corrupt. Contain it at the child.
		s.logger.Error("parent query missing or already resolved",
			zap.String("parent_id", parentID.String()),
			zap.String("child_id", child.ID.String()),
			zap.Error(err))
		return s.markChildErrored(ctx, child)
	}

	parentConn, err := s.connections.Get(ctx, parent.ConnectionID)
	if err != nil {
		return fmt.Errorf("resolve parent connection: %w", err)
	}
	if parentConn.AgentConnectionID == nil {
		s.logger.Error("parent connection has no agent channel",
			zap.String("parent_id", parent.ID.String()))
		return s.markChildErrored(ctx, child)
	}

	siblings, err := s.queries.ListByParent(ctx, parentID)
	if err != nil {
		return fmt.Errorf("list sibling queries: %w", err)
	}
	for _, sibling := range siblings {
		if sibling.Status != models.QueryStatusResolved {
			// Fan-in gate: wait for the remaining siblings.
			return nil
		}
	}

	aggregate := aggregateResponses(parent, siblings)

	if parent.ResponseID == nil {
		s.logger.Error("parent query has no response id to propagate",
			zap.String("parent_id", parent.ID.String()))
		return s.markChildErrored(ctx, child)
	}
	upstream := drpc.QueryResponseParams{
		ID:   *parent.ResponseID,
		Type: parent.Type,
		Data: aggregate,
	}

	response, err := s.agent.SubmitDrpcRequest(ctx, *parentConn.AgentConnectionID, drpc.MethodSubmitQueryResponse, upstream)
	if err == nil && !acknowledged(response) {
		// Covers a missing response, an error response, and an explicit
		// accepted=false alike.
		err = apperrors.ErrNoAcknowledgement
	}
	if err != nil {
		rpcID := ""
		if response != nil {
			rpcID = response.ID
			s.recordRpc(ctx, parent.ID, drpc.MethodSubmitQueryResponse, models.QueryRpcRoleClient, response)
		}
		s.logger.Error("failed to propagate aggregate upstream",
			zap.String("parent_id", parent.ID.String()),
			zap.String("child_id", child.ID.String()),
			zap.String("agent_rpc_id", rpcID),
			zap.Error(err))
		return s.markChildErrored(ctx, child)
	}
	s.recordRpc(ctx, parent.ID, drpc.MethodSubmitQueryResponse, models.QueryRpcRoleClient, response)

	if err := s.queries.SetResponse(ctx, parent.ID, &aggregate, models.QueryStatusResolved); err != nil {
		return fmt.Errorf("resolve parent query %s: %w", parent.ID, err)
	}

	s.logger.Info("parent query aggregated and resolved",
		zap.String("parent_id", parent.ID.String()),
		zap.Float64("total_kg", aggregate.TotalKilograms()))
	return nil
}

// aggregateResponses folds the parent's own measured contribution and every
// sibling's resolved response into one recursive response tree.
func aggregateResponses(parent *models.Query, siblings []*models.Query) models.QueryResponse {
	aggregate := models.QueryResponse{
		Unit:      models.UnitKilogram,
		SubjectID: parent.Details.SubjectID,
	}
	if parent.Details.Mass != nil {
		aggregate.Mass = *parent.Details.Mass
		if parent.Details.Unit != "" {
			aggregate.Unit = parent.Details.Unit
		}
	}
	for _, sibling := range siblings {
		if sibling.Response != nil {
			aggregate.PartialResponses = append(aggregate.PartialResponses, *sibling.Response)
		}
	}
	return aggregate
}

func (s *queryExchangeService) markChildErrored(ctx context.Context, child *models.Query) error {
	if err := s.queries.UpdateStatus(ctx, child.ID, models.QueryStatusErrored); err != nil {
		return fmt.Errorf("mark child query errored: %w", err)
	}
	return nil
}

// acknowledge answers an inbound request affirmatively and appends the
// server-role audit row. queryID may be uuid.Nil when no local query row is
// tied to the exchange.
func (s *queryExchangeService) acknowledge(ctx context.Context, event models.DrpcRequestStateChanged, request drpc.Request, queryID uuid.UUID) error {
	result, err := json.Marshal(drpc.Ack{Accepted: true})
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}

	response := drpc.Response{JsonRpc: drpc.Version, ID: request.ID, Result: result}
	if err := s.agent.SubmitDrpcResponse(ctx, event.ID, response); err != nil {
		return fmt.Errorf("submit drpc response: %w", err)
	}

	if queryID != uuid.Nil {
		rpc := &models.QueryRpc{
			QueryID:    queryID,
			Method:     request.Method,
			Role:       models.QueryRpcRoleServer,
			AgentRpcID: event.ID,
			Result:     result,
		}
		if err := s.rpcs.Insert(ctx, rpc); err != nil {
			return fmt.Errorf("record rpc audit row: %w", err)
		}
	}
	return nil
}

// respondError answers an inbound request with a JSON-RPC error.
func (s *queryExchangeService) respondError(ctx context.Context, agentRpcID, requestID string, detail *drpc.ErrorDetail) error {
	response := drpc.Response{JsonRpc: drpc.Version, ID: requestID, Error: detail}
	if err := s.agent.SubmitDrpcResponse(ctx, agentRpcID, response); err != nil {
		return fmt.Errorf("submit drpc error response: %w", err)
	}
	return nil
}

// recordRpc appends a client-role audit row for an upstream exchange.
// Failures are logged, not propagated: audit must not corrupt protocol state.
func (s *queryExchangeService) recordRpc(ctx context.Context, queryID uuid.UUID, method string, role models.QueryRpcRole, response *drpc.Response) {
	rpc := &models.QueryRpc{
		QueryID:    queryID,
		Method:     method,
		Role:       role,
		AgentRpcID: response.ID,
		Result:     response.Result,
	}
	if response.Error != nil {
		encoded, err := json.Marshal(response.Error)
		if err == nil {
			rpc.Error = encoded
		}
	}
	if err := s.rpcs.Insert(ctx, rpc); err != nil {
		s.logger.Error("failed to record rpc audit row",
			zap.String("query_id", queryID.String()),
			zap.Error(err))
	}
}

func acknowledged(response *drpc.Response) bool {
	if response == nil || len(response.Result) == 0 {
		return false
	}
	var ack drpc.Ack
	if err := json.Unmarshal(response.Result, &ack); err != nil {
		return false
	}
	return ack.Accepted
}
