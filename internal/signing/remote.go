package signing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const HeaderRemoteService = "X-Remote-Service-Token"

const remoteTokenLifetime = 60 * time.Second

type ServiceClaims struct {
	jwt.RegisteredClaims
	UserScope string `json:"usr,omitempty"`
	AppScope  string `json:"app,omitempty"`
}

// RemoteServiceAuth is the alternative scheme for callers inside the same
// cluster: an HS256 token naming the caller (sub) and the target (aud).
type RemoteServiceAuth struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewRemoteServiceAuth(secret, audience string) *RemoteServiceAuth {
	return &RemoteServiceAuth{secret: []byte(secret), audience: audience, now: time.Now}
}

func (a *RemoteServiceAuth) SetClock(now func() time.Time) { a.now = now }

func (a *RemoteServiceAuth) Issue(caller, target, userScope, appScope string) (string, error) {
	now := a.now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			Audience:  jwt.ClaimStrings{target},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(remoteTokenLifetime)),
		},
		UserScope: userScope,
		AppScope:  appScope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *RemoteServiceAuth) Verify(r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderRemoteService))
	if raw == "" {
		return Identity{}, reject(ReasonMissingHeader, "%s", HeaderRemoteService)
	}

	token, err := jwt.ParseWithClaims(raw, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, reject(ReasonExpired, "")
		}
		return Identity{}, reject(ReasonInvalidToken, "")
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return Identity{}, reject(ReasonInvalidToken, "")
	}
	if claims.Subject == "" {
		return Identity{}, reject(ReasonInvalidToken, "missing subject")
	}
	if !claims.VerifyAudience(a.audience, true) {
		return Identity{}, reject(ReasonInvalidToken, "audience")
	}
	// jwt only checks exp when present; a token must carry both bounds.
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return Identity{}, reject(ReasonInvalidWindow, "token lacks iat or exp")
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime <= 0 || lifetime > remoteTokenLifetime {
		return Identity{}, reject(ReasonInvalidWindow, "token lifetime %s", lifetime)
	}

	id := Identity{
		Caller:    claims.Subject,
		UserScope: claims.UserScope,
		AppScope:  claims.AppScope,
		Scheme:    SchemeRemoteService,
		IssuedAt:  claims.IssuedAt.Time,
	}
	return id, nil
}
