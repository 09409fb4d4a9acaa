package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/visiblelabs/visible/internal/service"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}

// httpError maps the domain error taxonomy onto status codes. Internal
// errors are logged with context and answered opaquely.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	switch service.KindOf(err) {
	case service.KindValidation, service.KindInvalidState:
		httpResponse(w, err.Error(), http.StatusBadRequest)
	case service.KindNotFound:
		httpResponse(w, err.Error(), http.StatusNotFound)
	case service.KindAuth:
		httpResponse(w, err.Error(), http.StatusUnauthorized)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
	}
}
