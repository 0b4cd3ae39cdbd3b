/*
Package resp writes the gateway's JSON HTTP responses.

Every plain HTTP reply, including a refused websocket handshake, has the same envelope:
a business code (0 for success, see the errs package), a message, and optional data.
*/
package resp

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
)

// JSONResponse is the envelope of every JSON response.
type JSONResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RespondJSON sets the headers and writes payload with the given HTTP status.
func RespondJSON(w http.ResponseWriter, httpStatus int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logx.Error(err, "Error encoding JSON response", "http_status", httpStatus)
		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(response)
}

// RespondSuccess sends data with HTTP 200 and code 0.
func RespondSuccess(w http.ResponseWriter, data any) {
	RespondJSON(w, http.StatusOK, JSONResponse{Code: 0, Message: "success", Data: data})
}

// RespondError sends the business code, message and HTTP status of err. Errors that carry
// no CustomError are reported as errs.ErrUnknown and logged, since their text is not shown.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) || customErr == nil {
		logx.Error(err, "Unclassified error in HTTP response", "request_uri", r.RequestURI)
		customErr = errs.NewError(errs.ErrUnknown)
	}

	RespondJSON(w, customErr.Status, JSONResponse{
		Code:    customErr.Code,
		Message: customErr.Message,
	})
}
