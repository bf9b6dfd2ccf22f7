package wire

import (
	"errors"
	"fmt"

	"sigil/internal/domain"
)

// Error codes carried in directory error responses.
const (
	CodeNotFound         = "not_found"
	CodeSignatureInvalid = "signature_invalid"
	CodeInvalidRequest   = "invalid_request"
	CodeInternal         = "internal"
)

// ErrInvalidRequest is what a client sees for a CodeInvalidRequest response.
var ErrInvalidRequest = errors.New("request rejected by directory")

// ErrorBody is the JSON body of every non-2xx directory response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Err turns a decoded error body back into an error that matches the
// corresponding domain error under errors.Is.
func (b ErrorBody) Err() error {
	switch b.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNoSessionAndNoRemoteBundle, b.Error)
	case CodeSignatureInvalid:
		return fmt.Errorf("%w: %s", domain.ErrSignatureInvalid, b.Error)
	case CodeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, b.Error)
	default:
		return errors.New(b.Error)
	}
}
