package http

import (
	"encoding/json"
	"fmt"
)

// Envelope is the {success, data, error} body used by the platform's REST services
// and by this gateway's own responses.
type Envelope struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the error member of an Envelope.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Details []ValidationError      `json:"details,omitempty"`
}

// ValidationError represents validation error detail.
type ValidationError struct {
	Code    string                 `json:"code,omitempty" example:"ERR_REQUIRED"`
	Field   string                 `json:"field,omitempty" example:"page_size"`
	Message string                 `json:"message,omitempty" example:"page_size is required"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type rawEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorDetail    `json:"error"`
}

// parseEnvelope reports ok only when body is a JSON object carrying a success flag.
func parseEnvelope(body []byte) (rawEnvelope, bool) {
	var env rawEnvelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil || env.Success == nil {
		return rawEnvelope{}, false
	}
	return env, true
}

// DecodeEnvelope unwraps resp into dest. A body without an envelope or with
// success=false yields a validation ClientError.
func DecodeEnvelope(resp *Response, dest interface{}) error {
	env, ok := parseEnvelope(resp.Body)
	if !ok {
		return NewClientError(KindValidation, "response is not an envelope").WithStatus(resp.StatusCode)
	}

	if !*env.Success {
		ce := NewClientError(KindValidation, "upstream rejected the request").WithStatus(resp.StatusCode)
		if env.Error != nil {
			if env.Error.Message != "" {
				ce.Message = env.Error.Message
			}
			ce.UpstreamCode = env.Error.Code
		}
		return ce
	}

	if dest == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}
