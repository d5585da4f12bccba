package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"scanlink/engine"
	"scanlink/history"
	"scanlink/sane"
	"scanlink/scanman"
)

// Envelope is the body of every API response. Payload is omitted unless the
// status is Good.
type Envelope struct {
	Status     sane.Status `json:"status"`
	StatusName string      `json:"statusName"`
	Message    string      `json:"message"`
	Payload    interface{} `json:"payload,omitempty"`
}

// errorStatus maps an operation error to the status reported to the caller.
// Host-level sentinel errors are reported as the nearest backend status.
func errorStatus(err error) sane.Status {
	switch {
	case err == nil:
		return sane.StatusGood
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return sane.StatusInval
	case errors.Is(err, scanman.ErrBusy):
		return sane.StatusDeviceBusy
	}
	return sane.StatusOf(err)
}

// httpCode picks the HTTP status for an operation error.
func httpCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSaveFailed):
		return http.StatusInternalServerError
	case errors.Is(err, scanman.ErrBusy):
		return http.StatusConflict
	}

	switch sane.StatusOf(err) {
	case sane.StatusInval, sane.StatusUnsupported:
		return http.StatusBadRequest
	case sane.StatusDeviceBusy, sane.StatusCancelled:
		return http.StatusConflict
	case sane.StatusAccessDenied:
		return http.StatusForbidden
	case sane.StatusJammed, sane.StatusNoDocs, sane.StatusCoverOpen:
		return http.StatusServiceUnavailable
	case sane.StatusNoMem:
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeResult writes the envelope for an operation result.
func writeResult(w http.ResponseWriter, payload interface{}, err error) {
	st := errorStatus(err)
	env := Envelope{Status: st, StatusName: st.String(), Message: st.Message()}
	if err != nil {
		env.Message = err.Error()
	} else {
		env.Payload = payload
	}
	writeJSON(w, httpCode(err), env)
}

// writeError reports a request problem that never reached the engine.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Envelope{
		Status:     sane.StatusInval,
		StatusName: sane.StatusInval.String(),
		Message:    message,
	})
}

// decodeBody reads a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}
