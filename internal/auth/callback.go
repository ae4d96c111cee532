package auth

import (
	"fmt"
	"html"
	"net/http"

	"github.com/rs/zerolog"
)

const callbackPage = `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><p>%s</p><p>You can close this window.</p></body></html>
`

// CallbackHandler serves the page the backend redirects the popup to after
// OAuth. It reads success, error and error_description from the query and
// publishes the outcome on channel for the waiting LoginWithPopup.
func CallbackHandler(b Broadcaster, channel string, log zerolog.Logger) http.Handler {
	if channel == "" {
		channel = DefaultChannel
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result := Result{Success: q.Get("success") == "true"}
		if !result.Success {
			result.ErrorCode = q.Get("error")
			result.ErrorDescription = q.Get("error_description")
		}

		if err := PublishResult(r.Context(), b, channel, result); err != nil {
			log.Error().Err(err).Msg("Failed to publish auth result")
			http.Error(w, "failed to deliver login result", http.StatusInternalServerError)
			return
		}

		title, message := "Login complete", "Authentication successful."
		if !result.Success {
			title = "Login failed"
			message = (&AuthError{OAuthError: result.ErrorCode, ErrorDescription: result.ErrorDescription}).Error()
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, callbackPage, title, html.EscapeString(message))
	})
}
