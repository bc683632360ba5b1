// Package notify renders account messages and hands them to a delivery sink.
package notify

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/obs"
)

// ActivationLink is the confirmation URL for an activation token. appURL ends with '/'.
func ActivationLink(appURL, token string) string {
	return appURL + "user/confirm-account?token=" + url.QueryEscape(token)
}

// ResetLink is the password reset URL for a reset token.
func ResetLink(appURL, token string) string {
	return appURL + "user/reset-password/" + url.PathEscape(token)
}

var _ auth.Notifier = (*LogNotifier)(nil)

// LogNotifier writes rendered messages to the structured log instead of sending mail.
type LogNotifier struct {
	appName string
	appURL  string
	log     zerolog.Logger
}

// NewLogNotifier builds a notifier for the given application name and public base URL.
func NewLogNotifier(appName, appURL string) *LogNotifier {
	if appURL != "" && !strings.HasSuffix(appURL, "/") {
		appURL += "/"
	}
	return &LogNotifier{appName: appName, appURL: appURL, log: obs.Component("notify")}
}

func (n *LogNotifier) SendActivation(ctx context.Context, msg auth.ActivationMessage) error {
	n.log.Info().
		Str("kind", "activation").
		Str("to", msg.Email).
		Str("name", msg.Name).
		Str("subject", n.appName+" account activation").
		Str("link", ActivationLink(n.appURL, msg.Token)).
		Msg("account message")
	return nil
}

func (n *LogNotifier) SendPasswordReset(ctx context.Context, msg auth.ResetMessage) error {
	n.log.Info().
		Str("kind", "password_reset").
		Str("to", msg.Email).
		Str("name", msg.Name).
		Str("subject", n.appName+" password reset").
		Str("link", ResetLink(n.appURL, msg.Token)).
		Str("expires_at", msg.ExpiresAt.UTC().Format(time.RFC3339)).
		Msg("account message")
	return nil
}
