package resp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"chatgw/internal/pkg/errs"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) JSONResponse {
	t.Helper()
	var body JSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRespondError_UnwrapsCustomError(t *testing.T) {
	req := require.New(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	err := fmt.Errorf("handshake: %w", errs.Wrap(errors.New("bad signature"), errs.ErrUnauthorized))
	RespondError(w, r, err)

	req.Equal(http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	req.Equal(errs.ErrUnauthorized, body.Code)
	req.NotContains(body.Message, "bad signature")
}

func TestRespondError_UnknownError(t *testing.T) {
	req := require.New(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)

	RespondError(w, r, errors.New("disk on fire"))

	req.Equal(http.StatusInternalServerError, w.Code)
	req.Equal(errs.ErrUnknown, decode(t, w).Code)
}

func TestRespondSuccess(t *testing.T) {
	req := require.New(t)
	w := httptest.NewRecorder()

	RespondSuccess(w, map[string]string{"status": "ok"})

	req.Equal(http.StatusOK, w.Code)
	req.Equal("application/json", w.Header().Get("Content-Type"))
	body := decode(t, w)
	req.Zero(body.Code)
	req.Equal(map[string]any{"status": "ok"}, body.Data)
}
