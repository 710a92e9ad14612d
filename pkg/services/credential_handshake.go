package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veridata-exchange/exchange-engine/pkg/agent"
	"github.com/veridata-exchange/exchange-engine/pkg/apperrors"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
	"github.com/veridata-exchange/exchange-engine/pkg/repositories"
)

// Attribute names carried by a company-details credential exchange.
const (
	attrCompanyName   = "company_name"
	attrCompanyNumber = "company_number"
	attrPin           = "pin"
)

// PinVerifier checks a candidate PIN against a stored keyed hash.
type PinVerifier interface {
	Verify(encoded, candidate string) (bool, error)
}

// CredentialHandshakeConfig holds the settings of the verification
// handshake.
type CredentialHandshakeConfig struct {
	// SchemaName/SchemaVersion identify the company-details schema; all
	// other credential exchanges are ignored.
	SchemaName    string
	SchemaVersion string
	// CredentialDefinitionID is offered on a successful PIN match.
	CredentialDefinitionID string
	// PinAttemptLimit is the number of failed attempts a connection may
	// accumulate before its invites are invalidated.
	PinAttemptLimit int
}

// CredentialHandshakeService drives the PIN-gated company identity
// verification handshake from the agent's credential state-change
// notifications.
type CredentialHandshakeService interface {
	// HandleEvent processes one credential state change. A returned error
	// signals the dispatcher to retry the event.
	HandleEvent(ctx context.Context, event models.CredentialStateChanged) error
}

type credentialHandshakeService struct {
	db          database.Transactor
	connections repositories.ConnectionRepository
	invites     repositories.InviteRepository
	agent       agent.API
	pins        PinVerifier
	cfg         CredentialHandshakeConfig
	logger      *zap.Logger
}

// NewCredentialHandshakeService creates a new CredentialHandshakeService.
func NewCredentialHandshakeService(
	db database.Transactor,
	connections repositories.ConnectionRepository,
	invites repositories.InviteRepository,
	agentAPI agent.API,
	pins PinVerifier,
	cfg CredentialHandshakeConfig,
	logger *zap.Logger,
) CredentialHandshakeService {
	return &credentialHandshakeService{
		db:          db,
		connections: connections,
		invites:     invites,
		agent:       agentAPI,
		pins:        pins,
		cfg:         cfg,
		logger:      logger.Named("credential-handshake"),
	}
}

var _ CredentialHandshakeService = (*credentialHandshakeService)(nil)

// pinProblemReport is sent to the remote party after a failed PIN attempt.
type pinProblemReport struct {
	Reason         string `json:"reason"`
	TriesRemaining int    `json:"triesRemaining"`
}

func (s *credentialHandshakeService) HandleEvent(ctx context.Context, event models.CredentialStateChanged) error {
	if !s.isCompanyDetails(event.FormatData) {
		return nil
	}

	cred := event.Credential
	switch {
	case cred.Role == models.CredentialRoleIssuer && cred.State == models.CredentialStateProposalReceived:
		return s.handleProposalReceived(ctx, cred, event.FormatData)
	case cred.Role == models.CredentialRoleHolder && cred.State == models.CredentialStateOfferReceived:
		return s.handleConsistentStep(ctx, cred, event.FormatData, s.agent.AcceptOffer)
	case cred.Role == models.CredentialRoleIssuer && cred.State == models.CredentialStateRequestReceived:
		return s.handleConsistentStep(ctx, cred, event.FormatData, s.agent.AcceptRequest)
	case cred.Role == models.CredentialRoleHolder && cred.State == models.CredentialStateCredentialReceived:
		return s.handleConsistentStep(ctx, cred, event.FormatData, s.agent.AcceptCredential)
	case cred.State == models.CredentialStateDone:
		return s.handleDone(ctx, cred)
	default:
		return nil
	}
}

// isCompanyDetails reports whether the exchange is bound to the configured
// company-details schema at any stage it has reached.
func (s *credentialHandshakeService) isCompanyDetails(formatData models.CredentialFormatData) bool {
	for _, set := range []*models.CredentialAttributeSet{formatData.Proposal, formatData.Offer} {
		if set != nil && set.SchemaName == s.cfg.SchemaName && set.SchemaVersion == s.cfg.SchemaVersion {
			return true
		}
	}
	return false
}

// handleProposalReceived verifies a remote party's claimed company identity
// against the PIN challenge issued to them.
func (s *credentialHandshakeService) handleProposalReceived(ctx context.Context, cred models.CredentialExchange, formatData models.CredentialFormatData) error {
	companyName, okName := formatData.Proposal.Attribute(attrCompanyName)
	companyNumber, okNumber := formatData.Proposal.Attribute(attrCompanyNumber)
	pin, okPin := formatData.Proposal.Attribute(attrPin)
	if !okName || !okNumber || !okPin {
		return nil
	}

	conn, err := s.connections.GetByAgentConnectionID(ctx, cred.ConnectionID)
	if err != nil {
		// The notification can outrun the local connection record; failing
		// loudly lets the dispatcher retry once it has been persisted.
		return fmt.Errorf("resolve connection %s: %w", cred.ConnectionID, err)
	}

	if conn.Status != models.ConnectionUnverified && conn.Status != models.ConnectionVerifiedUs {
		return nil
	}
	if companyName != conn.CompanyName || companyNumber != conn.CompanyNumber {
		s.logger.Warn("proposal company details do not match connection",
			zap.String("connection_id", conn.ID.String()))
		return nil
	}

	var attemptCount uint8
	exhausted := false
	err = s.db.WithTransaction(ctx, func(ctx context.Context) error {
		attemptCount, err = s.connections.IncrementPinAttempts(ctx, conn.ID)
		if err != nil {
			return err
		}
		if int(attemptCount) > s.cfg.PinAttemptLimit {
			exhausted = true
			if err := s.invites.UpdateValidityForConnection(ctx, conn.ID, models.InviteValid, models.InviteTooManyAttempts); err != nil {
				return err
			}
			return s.connections.ResetPinAttempts(ctx, conn.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record pin attempt: %w", err)
	}

	if exhausted {
		s.logger.Warn("pin attempts exhausted, invites invalidated",
			zap.String("connection_id", conn.ID.String()))
		return s.sendPinProblemReport(ctx, cred.ID, 0)
	}

	matched, err := s.matchInvite(ctx, conn, pin)
	if err != nil {
		return err
	}
	if !matched {
		remaining := s.cfg.PinAttemptLimit - int(attemptCount)
		return s.sendPinProblemReport(ctx, cred.ID, remaining)
	}

	offer := agent.CredentialOffer{
		CredentialDefinitionID: s.cfg.CredentialDefinitionID,
		Attributes: []models.CredentialAttribute{
			{Name: attrCompanyName, Value: conn.CompanyName},
			{Name: attrCompanyNumber, Value: conn.CompanyNumber},
		},
	}
	if err := s.agent.AcceptProposal(ctx, cred.ID, offer); err != nil {
		return fmt.Errorf("accept proposal: %w", err)
	}

	s.logger.Info("credential proposal accepted",
		zap.String("connection_id", conn.ID.String()),
		zap.String("credential_id", cred.ID))
	return nil
}

// matchInvite verifies the supplied PIN against every valid invite of the
// connection, lazily expiring invites that have passed their deadline.
func (s *credentialHandshakeService) matchInvite(ctx context.Context, conn *models.Connection, pin string) (bool, error) {
	invites, err := s.invites.ListValidByConnection(ctx, conn.ID)
	if err != nil {
		return false, fmt.Errorf("list invites: %w", err)
	}

	matched := false
	now := time.Now()
	for _, invite := range invites {
		if invite.ExpiresAt.Before(now) {
			if err := s.invites.UpdateValidity(ctx, invite.ID, models.InviteExpired); err != nil {
				return false, fmt.Errorf("expire invite: %w", err)
			}
			continue
		}
		if matched {
			continue
		}
		ok, err := s.pins.Verify(invite.PinHash, pin)
		if err != nil {
			s.logger.Warn("unreadable invite pin hash",
				zap.String("invite_id", invite.ID.String()),
				zap.Error(err))
			continue
		}
		if ok {
			matched = true
		}
	}
	return matched, nil
}

func (s *credentialHandshakeService) sendPinProblemReport(ctx context.Context, credentialID string, remaining int) error {
	report := pinProblemReport{Reason: "invalid_pin", TriesRemaining: remaining}
	if err := s.agent.SendProblemReport(ctx, credentialID, report); err != nil {
		return fmt.Errorf("send problem report: %w", err)
	}
	return nil
}

// handleConsistentStep accepts an intermediate protocol step once the
// proposal-stage and offer-stage company details are confirmed identical.
func (s *credentialHandshakeService) handleConsistentStep(ctx context.Context, cred models.CredentialExchange, formatData models.CredentialFormatData, accept func(ctx context.Context, credentialID string) error) error {
	if !checkConsistency(formatData) {
		s.logger.Warn("inconsistent credential attributes, ignoring step",
			zap.String("credential_id", cred.ID),
			zap.String("state", string(cred.State)))
		return nil
	}
	if err := accept(ctx, cred.ID); err != nil {
		return fmt.Errorf("accept %s: %w", cred.State, err)
	}
	return nil
}

// checkConsistency requires company name and number to be present and
// identical between the proposal-stage and offer-stage attribute sets.
func checkConsistency(formatData models.CredentialFormatData) bool {
	proposalName, ok1 := formatData.Proposal.Attribute(attrCompanyName)
	proposalNumber, ok2 := formatData.Proposal.Attribute(attrCompanyNumber)
	offerName, ok3 := formatData.Offer.Attribute(attrCompanyName)
	offerNumber, ok4 := formatData.Offer.Attribute(attrCompanyNumber)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	return proposalName == offerName && proposalNumber == offerNumber
}

// handleDone advances the connection's verification status when a
// credential exchange completes, and retires the invite once it has served
// its purpose.
func (s *credentialHandshakeService) handleDone(ctx context.Context, cred models.CredentialExchange) error {
	return s.db.WithTransaction(ctx, func(ctx context.Context) error {
		conn, err := s.connections.GetByAgentConnectionID(ctx, cred.ConnectionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				s.logger.Info("credential done for unknown connection",
					zap.String("agent_connection_id", cred.ConnectionID))
				return nil
			}
			return err
		}

		newStatus, ok := nextVerificationStatus(conn.Status, cred.Role)
		if !ok {
			return nil
		}

		if err := s.connections.UpdateStatus(ctx, conn.ID, newStatus); err != nil {
			return fmt.Errorf("update connection status: %w", err)
		}
		if cred.Role == models.CredentialRoleIssuer {
			if err := s.invites.UpdateValidityForConnection(ctx, conn.ID, models.InviteValid, models.InviteUsed); err != nil {
				return fmt.Errorf("mark invite used: %w", err)
			}
		}

		s.logger.Info("connection verification advanced",
			zap.String("connection_id", conn.ID.String()),
			zap.String("status", string(newStatus)))
		return nil
	})
}

// nextVerificationStatus is the status-transition table applied when an
// exchange completes. Holder role means the remote party verified us;
// issuer role means we verified them.
func nextVerificationStatus(current models.ConnectionStatus, role models.CredentialRole) (models.ConnectionStatus, bool) {
	switch {
	case current == models.ConnectionUnverified && role == models.CredentialRoleHolder:
		return models.ConnectionVerifiedUs, true
	case current == models.ConnectionUnverified && role == models.CredentialRoleIssuer:
		return models.ConnectionVerifiedThem, true
	case current == models.ConnectionVerifiedThem && role == models.CredentialRoleHolder:
		return models.ConnectionVerifiedBoth, true
	case current == models.ConnectionVerifiedUs && role == models.CredentialRoleIssuer:
		return models.ConnectionVerifiedBoth, true
	default:
		return current, false
	}
}
