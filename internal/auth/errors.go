package auth

import (
	"errors"
	"fmt"
)

var (
	ErrLoginInProgress = errors.New("auth: login flow already in progress")
	ErrPopupBlocked    = errors.New("auth: popup was blocked")
	ErrPopupClosed     = errors.New("auth: popup was closed before authentication completed")
	ErrChannelClosed   = errors.New("auth: broadcast channel closed")
)

// AuthError is a login failure reported by the OAuth provider. Either field
// may be empty.
type AuthError struct {
	OAuthError       string
	ErrorDescription string
}

func (e *AuthError) Error() string {
	msg := e.ErrorDescription
	if msg == "" {
		msg = "authentication failed"
	}
	if e.OAuthError != "" {
		return fmt.Sprintf("auth: %s (%s)", msg, e.OAuthError)
	}
	return "auth: " + msg
}
