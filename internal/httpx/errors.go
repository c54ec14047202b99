package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/apperr"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError renders err with the status of its kind. Causes stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fieldErrors(verr)})
		return
	}

	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		ctx := r.Context()
		logger.FromContext(ctx).Error(ctx, "request failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}

func fieldErrors(verr validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verr))
	for _, fe := range verr {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fe.Namespace()] = rule
	}
	return out
}

// asBadRequest keeps validation errors as they are and turns decode failures into BadRequest.
func asBadRequest(err error) error {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		return err
	}
	return apperr.Wrap(apperr.BadRequest, err, "invalid json")
}
