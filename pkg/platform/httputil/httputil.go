// Package httputil holds the JSON helpers shared by every HTTP handler:
// one way to decode and validate a request body, one way to write a
// response, one way to translate a coded error into a status line.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "kyc-gateway/pkg/domain-errors"
)

// maxBodyBytes caps request bodies. No endpoint accepts payloads anywhere
// near this size; document bytes go to object storage, never through the API.
const maxBodyBytes = 64 << 10

// Validatable is implemented by request types that validate and normalize
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes the JSON body into dst and runs its validation.
// Decode failures and validation failures both come back as coded errors
// ready for WriteError.
func DecodeAndPrepare(r *http.Request, dst Validatable) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return dErrors.New(dErrors.CodeValidation, "request body is required")
		}
		return dErrors.New(dErrors.CodeValidation, "request body is not valid JSON")
	}
	return dst.Validate()
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the uniform error envelope. Internal errors carry no
// description so nothing about collaborators or storage leaks to clients.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError translates a coded error into its HTTP response. Errors
// without a code are treated as internal.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: string(code)}
	if code != dErrors.CodeInternal {
		resp.ErrorDescription = dErrors.MessageOf(err)
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), resp)
}
