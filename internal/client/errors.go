package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"happysrt/api/internal/thread"
)

// APIError is a non-2xx response from the API. Limit, Used and Attempted are
// filled from the error details for plan and storage rejections.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   map[string]any
	Limit     int64
	Used      int64
	Attempted int64
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Is lets callers branch on the shared error classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case thread.ErrValidation:
		return e.Status == http.StatusBadRequest
	case thread.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case thread.ErrNotFound:
		return e.Status == http.StatusNotFound
	case thread.ErrConflict:
		return e.Status == http.StatusConflict ||
			e.Status == http.StatusRequestEntityTooLarge ||
			(e.Status == http.StatusForbidden && e.Code == "THREAD_LIMIT_REACHED")
	}
	return false
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var body struct {
		Code    string         `json:"code"`
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		if strings.TrimSpace(body.Error) != "" {
			apiErr.Message = body.Error
		}
		apiErr.Details = body.Details
		apiErr.Limit = detailInt(body.Details, "limit")
		apiErr.Used = detailInt(body.Details, "used")
		apiErr.Attempted = detailInt(body.Details, "attempted")
	}
	return apiErr
}

func detailInt(details map[string]any, key string) int64 {
	if value, ok := details[key].(float64); ok {
		return int64(value)
	}
	return 0
}

// AsAPIError unwraps err into an APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
