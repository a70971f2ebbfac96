package httpapi

import (
	"net/http"
	"strings"
	"time"

	timeblocks "github.com/timeblocks/timeblocks"
	"github.com/timeblocks/timeblocks/middleware"
)

// RefreshCookie is the cookie carrying the refresh token. The access cookie
// name lives in middleware because the authenticator reads it.
const RefreshCookie = "tb_refresh"

// CookieConfig controls the attributes of both auth cookies.
type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// ParseSameSite maps the config strings to http.SameSite. Unknown values
// fall back to Lax.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (c CookieConfig) set(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// SetAuthCookies installs both tokens with max-age matching their TTLs.
func (c CookieConfig) SetAuthCookies(w http.ResponseWriter, pair *timeblocks.TokenPair) {
	c.set(w, middleware.AccessCookie, pair.AccessToken, pair.AccessTTL)
	c.set(w, RefreshCookie, pair.RefreshToken, pair.RefreshTTL)
}

// ClearAuthCookies expires both cookies immediately.
func (c CookieConfig) ClearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{middleware.AccessCookie, RefreshCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   c.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: c.SameSite,
		})
	}
}
