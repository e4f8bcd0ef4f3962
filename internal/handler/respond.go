package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/resellr/internal/apperr"
)

const maxBodyBytes = 64 << 10

// ErrorBody is the envelope of every failed API response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error details
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Invalid("invalid JSON")
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid(err.Error())
	}
	return &validationError{fields: verrs}
}

type validationError struct {
	fields validator.ValidationErrors
}

func (e *validationError) Error() string {
	return "validation failed"
}

func (e *validationError) details() map[string]string {
	out := make(map[string]string, len(e.fields))
	for _, fe := range e.fields {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out[fe.Field()] = msg
	}
	return out
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// writeError maps err onto the API error envelope. Untyped errors are
// logged and reported as 500 without leaking their text.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		writeJSON(w, r, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Code:    apperr.ErrInvalidInput.Code,
			Message: "request validation failed",
			Details: ve.details(),
		}})
		return
	}

	ae, ok := apperr.As(err)
	if !ok {
		logger.ErrorContext(r.Context(), "unhandled error",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
		)
		writeJSON(w, r, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Code:    "INTERNAL",
			Message: "internal server error",
		}})
		return
	}

	status := ae.Kind.HTTPStatus()
	if status >= 500 {
		logger.WarnContext(r.Context(), "request failed", "error", err, "code", ae.Code, "path", r.URL.Path)
	}
	if ae.Kind == apperr.KindTransient {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, r, status, ErrorBody{Error: ErrorDetail{Code: ae.Code, Message: ae.Message}})
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid(fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func parseIDQuery(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid(fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}
