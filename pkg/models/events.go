package models

import "encoding/json"

// CredentialRole is our role in a credential issuance exchange as reported
// by the remote agent.
type CredentialRole string

const (
	CredentialRoleIssuer CredentialRole = "issuer"
	CredentialRoleHolder CredentialRole = "holder"
)

// CredentialState is the remote agent's state for a credential exchange.
type CredentialState string

const (
	CredentialStateProposalReceived   CredentialState = "proposal-received"
	CredentialStateOfferReceived      CredentialState = "offer-received"
	CredentialStateRequestReceived    CredentialState = "request-received"
	CredentialStateCredentialReceived CredentialState = "credential-received"
	CredentialStateDone               CredentialState = "done"
)

// CredentialExchange mirrors the remote agent's credential exchange record.
// ConnectionID is the agent-side connection reference, not a local row id.
type CredentialExchange struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Role         CredentialRole  `json:"role"`
	State        CredentialState `json:"state"`
}

// CredentialAttribute is one name/value pair carried by a credential
// proposal or offer.
type CredentialAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialAttributeSet is the schema binding plus attributes of one stage
// of the exchange.
type CredentialAttributeSet struct {
	SchemaName    string                `json:"schemaName"`
	SchemaVersion string                `json:"schemaVersion"`
	Attributes    []CredentialAttribute `json:"attributes"`
}

// Attribute returns the value of the named attribute and whether it is
// present.
func (s *CredentialAttributeSet) Attribute(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, a := range s.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// CredentialFormatData carries the per-stage attribute sets the agent has
// seen for an exchange. Stages the exchange has not reached yet are nil.
type CredentialFormatData struct {
	Proposal *CredentialAttributeSet `json:"proposal,omitempty"`
	Offer    *CredentialAttributeSet `json:"offer,omitempty"`
}

// CredentialStateChanged is the notification emitted by the remote agent
// whenever a credential exchange record changes state.
type CredentialStateChanged struct {
	Credential CredentialExchange   `json:"credential"`
	FormatData CredentialFormatData `json:"formatData"`
}

// DrpcRole is our role in a DRPC exchange.
type DrpcRole string

const (
	DrpcRoleClient DrpcRole = "client"
	DrpcRoleServer DrpcRole = "server"
)

// DrpcState is the remote agent's state for a DRPC record.
type DrpcState string

const (
	DrpcStateRequestSent     DrpcState = "request-sent"
	DrpcStateRequestReceived DrpcState = "request-received"
	DrpcStateCompleted       DrpcState = "completed"
)

// DrpcRequestStateChanged is the notification emitted by the remote agent
// whenever a DRPC record changes state. Request holds the raw JSON-RPC
// envelope when one has been received.
type DrpcRequestStateChanged struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Role         DrpcRole        `json:"role"`
	State        DrpcState       `json:"state"`
	Request      json.RawMessage `json:"request,omitempty"`
}
