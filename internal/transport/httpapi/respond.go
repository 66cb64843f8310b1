package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"postcast/internal/control"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Code: code, Message: msg}})
}

// statusFor maps a control error kind to its HTTP status.
func statusFor(k control.Kind) int {
	switch k {
	case control.KindInvalid:
		return http.StatusBadRequest
	case control.KindNotFound:
		return http.StatusNotFound
	case control.KindConflict:
		return http.StatusConflict
	case control.KindPrecondition:
		return http.StatusPreconditionFailed
	case control.KindDelivery:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeControlError(w http.ResponseWriter, err error) {
	ce := control.AsError(err)
	writeError(w, statusFor(ce.Kind), string(ce.Kind), ce.Code, ce.Message)
}

func badRequest(w http.ResponseWriter, code string, err error) {
	writeError(w, http.StatusBadRequest, string(control.KindInvalid), code, err.Error())
}

// decodeJSON reads a single JSON object. An empty body leaves dst as is.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}
