package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

var (
	// ErrNoSession is returned before any request is sent when the
	// credential store has no valid session.
	ErrNoSession = errors.New("remote: no session")
)

// APIError is a non-2xx response. Conflict responses may embed the
// server's canonical state.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	Profile       *models.Profile
	Connections   *models.Connections
	MatchID       string
	ClientMatchID string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.StatusCode)
}

// errorBody is the JSON shape of error responses.
type errorBody struct {
	Error         string              `json:"error"`
	Message       string              `json:"message"`
	Profile       *models.Profile     `json:"profile,omitempty"`
	Connections   *models.Connections `json:"connections,omitempty"`
	MatchID       string              `json:"match_id,omitempty"`
	ClientMatchID string              `json:"client_match_id,omitempty"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		e.Code = eb.Error
		e.Message = eb.Message
		e.Profile = eb.Profile
		e.Connections = eb.Connections
		e.MatchID = eb.MatchID
		e.ClientMatchID = eb.ClientMatchID
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// Class is the handling category of a remote failure.
type Class int

const (
	// ClassTransient covers network errors, timeouts, 5xx and unlisted 4xx.
	ClassTransient Class = iota
	// ClassPermanent is a validation rejection (400).
	ClassPermanent
	// ClassSession is a missing or rejected session (401).
	ClassSession
	// ClassNotFound means the object no longer exists remotely (404).
	ClassNotFound
	// ClassConflict means the server holds conflicting state (409).
	ClassConflict
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassSession:
		return "session"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	default:
		return "transient"
	}
}

// Classify maps an error returned by Client to its handling category.
// Anything unrecognized is transient.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrNoSession) {
		return ClassSession
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			return ClassPermanent
		case http.StatusUnauthorized:
			return ClassSession
		case http.StatusNotFound:
			return ClassNotFound
		case http.StatusConflict:
			return ClassConflict
		}
	}
	return ClassTransient
}

// AsAPIError returns the APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
