package signing

import (
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/model-gateway/internal/httputil"
	"github.com/felipepmaragno/model-gateway/internal/metrics"
	"github.com/felipepmaragno/model-gateway/internal/timing"
)

// Authenticator verifies one inbound scheme.
type Authenticator interface {
	Verify(r *http.Request) (Identity, error)
}

// Middleware authenticates every request before next runs. A request carrying
// the remote-service token header is checked by remote (when configured);
// everything else must carry a signature envelope. Rejections never reach next.
func Middleware(verifier Authenticator, remote Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := timing.FromContext(r.Context())
			t.End(timing.PhaseSession)
			t.Start(timing.PhaseAuth)

			auth := verifier
			if remote != nil && r.Header.Get(HeaderRemoteService) != "" {
				auth = remote
			}

			id, err := auth.Verify(r)
			t.End(timing.PhaseAuth)
			if err != nil {
				reason := RejectReason(err)
				if reason == "" {
					slog.Error("signature verification failed", "error", err, "path", r.URL.Path)
					httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "authentication unavailable")
					return
				}
				slog.Warn("signature rejected",
					"reason", reason,
					"caller", r.Header.Get(HeaderCaller),
					"path", r.URL.Path,
				)
				metrics.RecordSignatureRejection(reason)
				httputil.WriteError(w, http.StatusUnauthorized, "signature_invalid", "invalid request signature")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
