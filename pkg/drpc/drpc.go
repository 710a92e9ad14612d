// Package drpc defines the JSON-RPC 2.0 wire types exchanged between two
// organizations' agents, and the boundary validation that turns raw params
// into typed values before any handler logic runs.
package drpc

import (
	"encoding/json"
	"fmt"

	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

const Version = "2.0"

// Methods recognized by the query exchange protocol.
const (
	MethodSubmitQueryRequest  = "submit_query_request"
	MethodSubmitQueryResponse = "submit_query_response"
)

// JSON-RPC error codes. Fixed by convention.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JsonRpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JsonRpc string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the error member of a JSON-RPC response.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MethodNotFound builds the error payload for an unrecognized method.
func MethodNotFound(method string) *ErrorDetail {
	return &ErrorDetail{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not supported %s", method)}
}

// InvalidParams builds the error payload for params that failed validation.
func InvalidParams() *ErrorDetail {
	return &ErrorDetail{Code: CodeInvalidParams, Message: "invalid params object"}
}

// InternalError builds the error payload for a failure during processing.
func InternalError() *ErrorDetail {
	return &ErrorDetail{Code: CodeInternalError, Message: "internal error"}
}

// Ack is the acknowledgement result sent for an accepted request or
// response.
type Ack struct {
	Accepted bool `json:"accepted"`
}

// QueryRequestParams is the params object of submit_query_request. ID is the
// sender's own query id; we echo it back in the eventual response so the
// sender can match it.
type QueryRequestParams struct {
	ID          string           `json:"id"`
	Type        models.QueryType `json:"type"`
	CreatedTime int64            `json:"createdTime"`
	ExpiresTime int64            `json:"expiresTime"`
	Data        QueryRequestData `json:"data"`
}

// QueryRequestData is the request payload proper.
type QueryRequestData struct {
	SubjectID string `json:"subjectId"`
}

// Validate checks the shape constraints of a query request.
func (p *QueryRequestParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	if p.Type != models.QueryTypeTotalCarbonEmbodiment {
		return fmt.Errorf("unknown query type %q", p.Type)
	}
	if p.Data.SubjectID == "" {
		return fmt.Errorf("missing data.subjectId")
	}
	if p.ExpiresTime <= 0 {
		return fmt.Errorf("missing expiresTime")
	}
	return nil
}

// QueryResponseParams is the params object of submit_query_response. ID is
// the query id the response answers: the value the original request carried
// as its own id.
type QueryResponseParams struct {
	ID   string               `json:"id"`
	Type models.QueryType     `json:"type"`
	Data models.QueryResponse `json:"data"`
}

// Validate checks the shape constraints of a query response, including that
// every nested partial response carries a known unit.
func (p *QueryResponseParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	if p.Type != models.QueryTypeTotalCarbonEmbodiment {
		return fmt.Errorf("unknown query type %q", p.Type)
	}
	return validateResponseData(p.Data)
}

func validateResponseData(r models.QueryResponse) error {
	if _, ok := r.Unit.Multiplier(); !ok {
		return fmt.Errorf("unknown mass unit %q", r.Unit)
	}
	if r.SubjectID == "" {
		return fmt.Errorf("missing data.subjectId")
	}
	for _, partial := range r.PartialResponses {
		if err := validateResponseData(partial); err != nil {
			return err
		}
	}
	return nil
}

// ParseQueryRequestParams decodes and validates submit_query_request params.
func ParseQueryRequestParams(raw json.RawMessage) (*QueryRequestParams, error) {
	var params QueryRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParseQueryResponseParams decodes and validates submit_query_response
// params.
func ParseQueryResponseParams(raw json.RawMessage) (*QueryResponseParams, error) {
	var params QueryResponseParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &params, nil
}
