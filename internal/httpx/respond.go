package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type successEnvelope struct {
	Data any `json:"data"`
}

// partialEnvelope carries a result together with the error that spoiled part
// of it, such as a confirmed order whose cart was not cleared.
type partialEnvelope struct {
	Data  any      `json:"data"`
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

// toAPIError maps err onto its public shape. Messages of caller-facing codes
// are passed through; everything else gets the code's public message.
func toAPIError(err error) (apiError, apperr.Metadata, *apperr.Error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	switch typed.Code() {
	case apperr.CodeValidation,
		apperr.CodeNotFound,
		apperr.CodeIllegalTransition,
		apperr.CodeConfirmationRequired,
		apperr.CodeConfigUnavailable,
		apperr.CodeNotReady:
		if m := typed.Message(); m != "" {
			msg = m
		}
	}

	out := apiError{Code: string(typed.Code()), Message: msg}
	if meta.DetailsAllowed {
		out.Details = typed.Details()
	}
	return out, meta, typed
}

func writeError(ctx context.Context, log *logger.Logger, w http.ResponseWriter, err error) {
	body, meta, typed := toAPIError(err)
	if log != nil {
		ctx = log.WithFields(ctx, map[string]any{
			"error_code": body.Code,
			"status":     meta.HTTPStatus,
		})
		if meta.HTTPStatus >= http.StatusInternalServerError {
			log.Error(ctx, "request.error", typed)
		} else {
			log.Warn(ctx, "request.rejected: "+typed.Error())
		}
	}
	writeJSON(w, meta.HTTPStatus, errorEnvelope{Error: body})
}

func writePartial(w http.ResponseWriter, data any, err error) {
	body, meta, _ := toAPIError(err)
	writeJSON(w, meta.HTTPStatus, partialEnvelope{Data: data, Error: body})
}
