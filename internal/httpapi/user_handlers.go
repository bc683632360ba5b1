package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"cwphosting.org/internal/audit"
	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/ids"
)

type signUpRequest struct {
	Email     string `json:"email" validate:"required"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type createUserRequest struct {
	Email     string   `json:"email" validate:"required"`
	Password  string   `json:"password,omitempty"`
	FirstName string   `json:"firstName" validate:"max=100"`
	LastName  string   `json:"lastName" validate:"max=100"`
	Roles     []string `json:"roles" validate:"omitempty,dive,required"`
	Activated bool     `json:"activated"`
}

type resetPasswordRequest struct {
	Token           string `json:"token" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required"`
}

type updateUserRequest struct {
	FirstName string   `json:"firstName" validate:"max=100"`
	LastName  string   `json:"lastName" validate:"max=100"`
	Roles     []string `json:"roles" validate:"required,min=1,dive,required"`
}

type statusRequest struct {
	Suspended *bool `json:"suspended" validate:"required"`
}

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Roles     []string  `json:"roles"`
	Suspended bool      `json:"suspended"`
	Activated bool      `json:"activated"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserView(p *auth.Principal) userView {
	return userView{
		ID:        p.ID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Roles:     p.Roles,
		Suspended: p.Suspended,
		Activated: p.Activated(),
		CreatedAt: p.CreatedAt,
	}
}

// writeAccountError reports unknown accounts as a bad request rather than bad credentials.
func writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, r, http.StatusBadRequest, "A valid username/email address is required")
		return
	}
	writeAuthError(w, r, err)
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.auth.SignUp(r.Context(), auth.NewAccount{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.signed_up", map[string]any{"id": p.ID, "username": p.Username})
	w.Header().Set("Location", "/api/user/"+url.PathEscape(p.ID))
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID})
}

func (a *API) handleResendActivation(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResendActivation(r.Context(), req.Username); err != nil {
		writeAccountError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "An account activation email has been sent to your email address")
}

func (a *API) handleConfirmAccount(w http.ResponseWriter, r *http.Request) {
	p, err := a.auth.Activate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, auth.ErrTokenRevokedOrUnknown) {
			writeError(w, r, http.StatusBadRequest, "The submitted token is not valid")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.activated", map[string]any{"id": p.ID, "username": p.Username})
	writeMessage(w, http.StatusOK, "Account activated successfully")
}

func (a *API) handleForgottenPassword(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), req.Username); err != nil {
		writeAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.password_reset_requested", map[string]any{
		"username": auth.NormalizeUsername(req.Username),
	})
	writeMessage(w, http.StatusOK, "A password reset email has been sent to your email address.")
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.auth.ResetPassword(r.Context(), req.Token, req.Password, req.PasswordConfirm)
	switch {
	case errors.Is(err, auth.ErrTokenRevokedOrUnknown), errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusBadRequest, "The submitted token is not valid")
		return
	case err != nil:
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.password_reset", nil)
	writeMessage(w, http.StatusOK, "Account password has been reset successfully")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id.ID,
		"username":  id.Subject,
		"roles":     id.Roles,
		"suspended": id.Suspended,
		"activated": id.Activated,
	})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		// The owner sets a real password through the activation and reset flow.
		req.Password = ids.Token()
	}
	p, err := a.auth.CreateAccount(r.Context(), auth.NewAccount{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Roles:     req.Roles,
		Activated: req.Activated,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.created", map[string]any{
		"id":       p.ID,
		"username": p.Username,
		"roles":    p.Roles,
	})
	w.Header().Set("Location", "/api/users/"+url.PathEscape(p.Username))
	writeJSON(w, http.StatusCreated, toUserView(p))
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.auth.UpdateAccount(r.Context(), r.PathValue("username"), auth.AccountUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Roles:     req.Roles,
	})
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.updated", map[string]any{
		"username": p.Username,
		"roles":    p.Roles,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User account updated successfully",
		"data":    toUserView(p),
	})
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.auth.SetSuspended(r.Context(), r.PathValue("username"), *req.Suspended)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.status_changed", map[string]any{
		"username":  p.Username,
		"suspended": p.Suspended,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User account status updated successfully",
		"data":    toUserView(p),
	})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := a.auth.DeleteAccount(r.Context(), username); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, r, http.StatusNotFound, "User not found")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.deleted", map[string]any{"username": auth.NormalizeUsername(username)})
	writeMessage(w, http.StatusOK, "User account deleted successfully")
}
