package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// fallbackErrorResponse is pre-marshaled so encoding failures still
// produce a valid JSON body.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("internal server error"))
	if err != nil {
		panic("api: failed to marshal fallback error response: " + err.Error())
	}
}

// writeJSONResponse writes the envelope with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("writeJSONResponse: failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write(fallbackErrorResponse); werr != nil {
			slog.Error("writeJSONResponse: failed to write fallback response", "error", werr)
		}
		return
	}

	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("writeJSONResponse: failed to write response", "error", err)
	}
}
