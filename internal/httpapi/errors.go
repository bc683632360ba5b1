package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"cwphosting.org/internal/audit"
	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/obs"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads one JSON object into dst and validates its struct tags.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.New(fe.Field() + " is " + fe.Tag())
		}
		return err
	}
	return nil
}

// statusFor maps service errors to response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenRevokedOrUnknown):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountSuspended), errors.Is(err, auth.ErrAccountNotActivated):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAuthError renders err with its status and a message that is safe to show.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	var throttled *auth.ThrottledError
	if errors.As(err, &throttled) {
		w.Header().Set("Retry-After", strconv.Itoa(throttled.WaitMinutes*60))
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cwp-auth"`)
	}
	if code >= http.StatusInternalServerError {
		l := obs.Component("http")
		l.Error().Err(err).
			Str("request_id", audit.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, r, code, auth.UserMessage(err))
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"message": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
