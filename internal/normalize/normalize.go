// Package normalize turns whatever the payment provider hands back into a
// single Result shape. Normalize is total: it never panics and never fails.
package normalize

import (
	"fmt"
	"strings"
)

// Recognised field names, in the order they are extracted.
const (
	FieldResponseCode             = "response_code"
	FieldResponseDescription      = "response_description"
	FieldCustomerMessage          = "customer_message"
	FieldMerchantRequestID        = "merchant_request_id"
	FieldCheckoutRequestID        = "checkout_request_id"
	FieldErrorMessage             = "error_message"
	FieldErrorCode                = "error_code"
	FieldConversationID           = "conversation_id"
	FieldOriginatorConversationID = "originator_conversation_id"
)

var recognisedFields = []string{
	FieldResponseCode,
	FieldResponseDescription,
	FieldCustomerMessage,
	FieldMerchantRequestID,
	FieldCheckoutRequestID,
	FieldErrorMessage,
	FieldErrorCode,
	FieldConversationID,
	FieldOriginatorConversationID,
}

const (
	msgUnexpectedFormat = "Unexpected response format"
	msgCouldNotParse    = "Could not parse response"
)

// Result is the canonical provider response. Every field except Success is optional.
type Result struct {
	Success                  bool   `json:"success"`
	ResponseCode             string `json:"response_code,omitempty"`
	ResponseDescription      string `json:"response_description,omitempty"`
	CustomerMessage          string `json:"customer_message,omitempty"`
	MerchantRequestID        string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID        string `json:"checkout_request_id,omitempty"`
	ErrorMessage             string `json:"error_message,omitempty"`
	ErrorCode                string `json:"error_code,omitempty"`
	ConversationID           string `json:"conversation_id,omitempty"`
	OriginatorConversationID string `json:"originator_conversation_id,omitempty"`
	RawResponse              string `json:"raw_response,omitempty"`
}

// FieldSource is implemented by provider responses that expose named fields.
// Field returns ok=false when the response has no such field.
type FieldSource interface {
	Field(name string) (value any, ok bool)
}

type strategy func(v any) (Result, bool)

// strategies are tried in order; the first one that accepts the value wins.
var strategies = []strategy{
	fromResult,
	fromMapping,
	fromFieldSource,
	fromText,
}

// Normalize converts v into a Result.
func Normalize(v any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Success:      false,
				ErrorMessage: fmt.Sprintf("Error parsing response: %v", r),
				RawResponse:  safeString(v),
			}
		}
	}()
	for _, s := range strategies {
		if out, ok := s(v); ok {
			return out
		}
	}
	return Result{Success: false, RawResponse: fmt.Sprint(v), ErrorMessage: msgCouldNotParse}
}

func fromResult(v any) (Result, bool) {
	switch r := v.(type) {
	case Result:
		return r, true
	case *Result:
		if r == nil {
			return Result{}, false
		}
		return *r, true
	}
	return Result{}, false
}

// fromMapping copies recognised keys verbatim. An explicit "success" key is
// honoured; without one success is derived from response_code.
func fromMapping(v any) (Result, bool) {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case map[string]string:
		m = make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
	default:
		return Result{}, false
	}
	res := Result{}
	for _, name := range recognisedFields {
		if val, ok := m[name]; ok {
			res.set(name, stringify(val))
		}
	}
	if raw, ok := m["raw_response"]; ok {
		res.RawResponse = stringify(raw)
	}
	switch s := m["success"].(type) {
	case bool:
		res.Success = s
	case string:
		res.Success = strings.EqualFold(s, "true")
	default:
		res.Success = res.ResponseCode == "0"
	}
	return res, true
}

func fromFieldSource(v any) (Result, bool) {
	src, ok := v.(FieldSource)
	if !ok || src == nil {
		return Result{}, false
	}
	res := Result{}
	for _, name := range recognisedFields {
		if val, ok := src.Field(name); ok {
			res.set(name, stringify(val))
		}
	}
	code, ok := src.Field(FieldResponseCode)
	res.Success = ok && isStringZero(code)
	return res, true
}

func fromText(v any) (Result, bool) {
	switch t := v.(type) {
	case string:
		return Result{Success: false, RawResponse: t, ErrorMessage: msgUnexpectedFormat}, true
	case []byte:
		return Result{Success: false, RawResponse: strings.ToValidUTF8(string(t), "�"), ErrorMessage: msgUnexpectedFormat}, true
	}
	return Result{}, false
}

// isStringZero mirrors a strict `== "0"` check: a numeric 0 does not count.
func isStringZero(v any) bool {
	switch s := v.(type) {
	case string:
		return s == "0"
	case *string:
		return s != nil && *s == "0"
	}
	return false
}

func (r *Result) set(name, value string) {
	switch name {
	case FieldResponseCode:
		r.ResponseCode = value
	case FieldResponseDescription:
		r.ResponseDescription = value
	case FieldCustomerMessage:
		r.CustomerMessage = value
	case FieldMerchantRequestID:
		r.MerchantRequestID = value
	case FieldCheckoutRequestID:
		r.CheckoutRequestID = value
	case FieldErrorMessage:
		r.ErrorMessage = value
	case FieldErrorCode:
		r.ErrorCode = value
	case FieldConversationID:
		r.ConversationID = value
	case FieldOriginatorConversationID:
		r.OriginatorConversationID = value
	}
}

// stringify keeps primitives as their plain text and coerces everything
// else through fmt so the Result stays serialisable.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

func safeString(v any) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("%T", v)
		}
	}()
	return fmt.Sprint(v)
}
