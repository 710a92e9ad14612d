package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/veridata-exchange/exchange-engine/pkg/agent"
	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/drpc"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
	"github.com/veridata-exchange/exchange-engine/pkg/repositories"
)

// txPassthrough runs the transaction body directly. The repositories under it
// are mocks, so there is nothing to scope.
type txPassthrough struct{}

func (txPassthrough) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type statusUpdate struct {
	ID     uuid.UUID
	Status models.ConnectionStatus
}

type connectionRepoMock struct {
	getFn        func(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	getByAgentFn func(ctx context.Context, agentConnectionID string) (*models.Connection, error)
	incrementFn  func(ctx context.Context, id uuid.UUID) (uint8, error)

	statusUpdates []statusUpdate
	resetCalls    []uuid.UUID
}

var _ repositories.ConnectionRepository = (*connectionRepoMock)(nil)

func (m *connectionRepoMock) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	if m.getFn == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.getFn(ctx, id)
}

func (m *connectionRepoMock) GetByAgentConnectionID(ctx context.Context, agentConnectionID string) (*models.Connection, error) {
	if m.getByAgentFn == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.getByAgentFn(ctx, agentConnectionID)
}

func (m *connectionRepoMock) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ConnectionStatus) error {
	m.statusUpdates = append(m.statusUpdates, statusUpdate{ID: id, Status: status})
	return nil
}

func (m *connectionRepoMock) IncrementPinAttempts(ctx context.Context, id uuid.UUID) (uint8, error) {
	if m.incrementFn == nil {
		return 1, nil
	}
	return m.incrementFn(ctx, id)
}

func (m *connectionRepoMock) ResetPinAttempts(ctx context.Context, id uuid.UUID) error {
	m.resetCalls = append(m.resetCalls, id)
	return nil
}

type validityUpdate struct {
	ID       uuid.UUID
	Validity models.InviteValidity
}

type bulkValidityUpdate struct {
	ConnectionID uuid.UUID
	From, To     models.InviteValidity
}

type inviteRepoMock struct {
	invites []*models.ConnectionInvite

	validityUpdates []validityUpdate
	bulkUpdates     []bulkValidityUpdate
}

var _ repositories.InviteRepository = (*inviteRepoMock)(nil)

func (m *inviteRepoMock) ListValidByConnection(ctx context.Context, connectionID uuid.UUID) ([]*models.ConnectionInvite, error) {
	return m.invites, nil
}

func (m *inviteRepoMock) UpdateValidity(ctx context.Context, id uuid.UUID, validity models.InviteValidity) error {
	m.validityUpdates = append(m.validityUpdates, validityUpdate{ID: id, Validity: validity})
	return nil
}

func (m *inviteRepoMock) UpdateValidityForConnection(ctx context.Context, connectionID uuid.UUID, from, to models.InviteValidity) error {
	m.bulkUpdates = append(m.bulkUpdates, bulkValidityUpdate{ConnectionID: connectionID, From: from, To: to})
	return nil
}

type setResponseCall struct {
	ID       uuid.UUID
	Response *models.QueryResponse
	Status   models.QueryStatus
}

type queryStatusUpdate struct {
	ID     uuid.UUID
	Status models.QueryStatus
}

type queryRepoMock struct {
	getFn           func(ctx context.Context, id uuid.UUID) (*models.Query, error)
	getByResponseFn func(ctx context.Context, responseID string, role models.QueryRole) (*models.Query, error)
	listByParentFn  func(ctx context.Context, parentID uuid.UUID) ([]*models.Query, error)

	inserted      []*models.Query
	setResponses  []setResponseCall
	statusUpdates []queryStatusUpdate
}

var _ repositories.QueryRepository = (*queryRepoMock)(nil)

func (m *queryRepoMock) Insert(ctx context.Context, query *models.Query) error {
	if query.ID == uuid.Nil {
		query.ID = uuid.New()
	}
	m.inserted = append(m.inserted, query)
	return nil
}

func (m *queryRepoMock) Get(ctx context.Context, id uuid.UUID) (*models.Query, error) {
	if m.getFn == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.getFn(ctx, id)
}

func (m *queryRepoMock) GetByResponseID(ctx context.Context, responseID string, role models.QueryRole) (*models.Query, error) {
	if m.getByResponseFn == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.getByResponseFn(ctx, responseID, role)
}

func (m *queryRepoMock) ListByParent(ctx context.Context, parentID uuid.UUID) ([]*models.Query, error) {
	if m.listByParentFn == nil {
		return nil, nil
	}
	return m.listByParentFn(ctx, parentID)
}

func (m *queryRepoMock) SetResponse(ctx context.Context, id uuid.UUID, response *models.QueryResponse, status models.QueryStatus) error {
	m.setResponses = append(m.setResponses, setResponseCall{ID: id, Response: response, Status: status})
	return nil
}

func (m *queryRepoMock) UpdateStatus(ctx context.Context, id uuid.UUID, status models.QueryStatus) error {
	m.statusUpdates = append(m.statusUpdates, queryStatusUpdate{ID: id, Status: status})
	return nil
}

type rpcRepoMock struct {
	inserted []*models.QueryRpc
}

var _ repositories.QueryRpcRepository = (*rpcRepoMock)(nil)

func (m *rpcRepoMock) Insert(ctx context.Context, rpc *models.QueryRpc) error {
	m.inserted = append(m.inserted, rpc)
	return nil
}

type acceptProposalCall struct {
	CredentialID string
	Offer        agent.CredentialOffer
}

type problemReportCall struct {
	CredentialID string
	Report       any
}

type drpcResponseCall struct {
	RequestID string
	Response  drpc.Response
}

type drpcRequestCall struct {
	AgentConnectionID string
	Method            string
	Params            any
}

type agentMock struct {
	submitDrpcRequestFn func(ctx context.Context, agentConnectionID, method string, params any) (*drpc.Response, error)

	proposalCalls   []acceptProposalCall
	offerCalls      []string
	requestCalls    []string
	credentialCalls []string
	problemReports  []problemReportCall
	drpcRequests    []drpcRequestCall
	drpcResponses   []drpcResponseCall
}

var _ agent.API = (*agentMock)(nil)

func (m *agentMock) AcceptProposal(ctx context.Context, credentialID string, offer agent.CredentialOffer) error {
	m.proposalCalls = append(m.proposalCalls, acceptProposalCall{CredentialID: credentialID, Offer: offer})
	return nil
}

func (m *agentMock) AcceptOffer(ctx context.Context, credentialID string) error {
	m.offerCalls = append(m.offerCalls, credentialID)
	return nil
}

func (m *agentMock) AcceptRequest(ctx context.Context, credentialID string) error {
	m.requestCalls = append(m.requestCalls, credentialID)
	return nil
}

func (m *agentMock) AcceptCredential(ctx context.Context, credentialID string) error {
	m.credentialCalls = append(m.credentialCalls, credentialID)
	return nil
}

func (m *agentMock) SendProblemReport(ctx context.Context, credentialID string, report any) error {
	m.problemReports = append(m.problemReports, problemReportCall{CredentialID: credentialID, Report: report})
	return nil
}

func (m *agentMock) SubmitDrpcRequest(ctx context.Context, agentConnectionID, method string, params any) (*drpc.Response, error) {
	m.drpcRequests = append(m.drpcRequests, drpcRequestCall{AgentConnectionID: agentConnectionID, Method: method, Params: params})
	if m.submitDrpcRequestFn == nil {
		return nil, nil
	}
	return m.submitDrpcRequestFn(ctx, agentConnectionID, method, params)
}

func (m *agentMock) SubmitDrpcResponse(ctx context.Context, requestID string, response drpc.Response) error {
	m.drpcResponses = append(m.drpcResponses, drpcResponseCall{RequestID: requestID, Response: response})
	return nil
}

type pinVerifierMock struct {
	verifyFn func(encoded, candidate string) (bool, error)
}

func (m *pinVerifierMock) Verify(encoded, candidate string) (bool, error) {
	if m.verifyFn == nil {
		return false, nil
	}
	return m.verifyFn(encoded, candidate)
}
