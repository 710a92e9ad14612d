package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueryType identifies the kind of data being requested across a connection.
type QueryType string

const (
	QueryTypeTotalCarbonEmbodiment QueryType = "total_carbon_embodiment"
)

// QueryRole is our side of a query exchange.
type QueryRole string

const (
	QueryRoleRequester QueryRole = "requester"
	QueryRoleResponder QueryRole = "responder"
)

// QueryStatus is the lifecycle state of a query.
type QueryStatus string

const (
	QueryStatusPendingYourInput  QueryStatus = "pending_your_input"
	QueryStatusPendingTheirInput QueryStatus = "pending_their_input"
	QueryStatusResolved          QueryStatus = "resolved"
	QueryStatusErrored           QueryStatus = "errored"
	QueryStatusForwarded         QueryStatus = "forwarded"
)

// QueryDetails is the request payload: what the remote party is asking
// about. Mass and Unit hold the responder's own measured contribution once a
// partial answer has been recorded locally and the remainder forwarded to
// upstream suppliers.
type QueryDetails struct {
	SubjectID string   `json:"subjectId"`
	Mass      *float64 `json:"mass,omitempty"`
	Unit      MassUnit `json:"unit,omitempty"`
}

// Query is one data-request/response exchange. Queries form a tree: a query
// forwarded to an upstream supplier carries the ParentID of the query that
// spawned it, and a parent may only resolve once all of its children have.
//
// ResponseID holds the remote counterpart's query id, echoed back in their
// eventual response so it can be matched to this record.
type Query struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	ParentID     *uuid.UUID
	Type         QueryType
	Role         QueryRole
	Status       QueryStatus
	Details      QueryDetails
	ResponseID   *string
	Response     *QueryResponse
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MassUnit is a unit of mass accepted in query responses.
type MassUnit string

const (
	UnitMicrogram MassUnit = "ug"
	UnitMilligram MassUnit = "mg"
	UnitGram      MassUnit = "g"
	UnitKilogram  MassUnit = "kg"
	UnitTonne     MassUnit = "tonne"
)

// kilograms per unit
var massMultipliers = map[MassUnit]float64{
	UnitMicrogram: 1e-9,
	UnitMilligram: 1e-6,
	UnitGram:      1e-3,
	UnitKilogram:  1,
	UnitTonne:     1e3,
}

// Multiplier returns the kilogram multiplier for the unit, and whether the
// unit is known.
func (u MassUnit) Multiplier() (float64, bool) {
	m, ok := massMultipliers[u]
	return m, ok
}

// QueryResponse is the (recursive) answer to a query. PartialResponses holds
// the resolved contributions of forwarded child queries, each of which may
// itself carry further nested contributions.
type QueryResponse struct {
	Mass             float64         `json:"mass"`
	Unit             MassUnit        `json:"unit"`
	SubjectID        string          `json:"subjectId"`
	PartialResponses []QueryResponse `json:"partialResponses,omitempty"`
}

// TotalKilograms computes the recursive total for a response: its own mass
// converted to kilograms plus the totals of every partial response, evaluated
// bottom-up over an arbitrarily deep tree. Unknown units contribute zero.
func (r QueryResponse) TotalKilograms() float64 {
	total := 0.0
	if m, ok := r.Unit.Multiplier(); ok {
		total = r.Mass * m
	}
	for _, partial := range r.PartialResponses {
		total += partial.TotalKilograms()
	}
	return total
}

// QueryRpcRole records which side of an RPC exchange we were on.
type QueryRpcRole string

const (
	QueryRpcRoleClient QueryRpcRole = "client"
	QueryRpcRoleServer QueryRpcRole = "server"
)

// QueryRpc is an append-only audit record of one RPC exchange tied to a
// Query. Rows are never mutated after insertion.
type QueryRpc struct {
	ID         uuid.UUID
	QueryID    uuid.UUID
	Method     string
	Role       QueryRpcRole
	AgentRpcID string
	Result     json.RawMessage
	Error      json.RawMessage
	CreatedAt  time.Time
}
