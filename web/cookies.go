package web

import (
	"net/http"
	"time"

	"github.com/oseh/siwo/token"
)

// Cookie names, one per token kind. A token never rides in a response body.
const (
	CookieElevation = "siwo_elevation"
	CookieLogin     = "siwo_login"
	CookieCore      = "siwo_core"
)

func cookieName(kind token.Kind) string {
	switch kind {
	case token.KindElevation:
		return CookieElevation
	case token.KindLogin:
		return CookieLogin
	default:
		return CookieCore
	}
}

// setTokenCookie writes the token as HttpOnly, Secure, SameSite=Strict.
func (h *Handler) setTokenCookie(w http.ResponseWriter, kind token.Kind, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(kind),
		Value:    value,
		Path:     h.cookiePath,
		Domain:   h.cookieDomain,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   !h.insecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearTokenCookie expires the cookie. Consumed and rejected tokens are both
// cleared so a client can never keep retrying with a spent token.
func (h *Handler) clearTokenCookie(w http.ResponseWriter, kind token.Kind) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(kind),
		Value:    "",
		Path:     h.cookiePath,
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.insecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func readTokenCookie(r *http.Request, kind token.Kind) string {
	cookie, err := r.Cookie(cookieName(kind))
	if err != nil {
		return ""
	}
	return cookie.Value
}
