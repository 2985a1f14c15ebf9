package i18n

import (
	"net/http"

	"github.com/nicksnyder/go-i18n/v2/i18n"
)

// Middleware injects a localizer into every request context. The language is
// taken from the lang query parameter, then Accept-Language, then lang.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bundle == nil {
				next.ServeHTTP(w, r)
				return
			}
			loc := i18n.NewLocalizer(bundle, r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), lang)
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}
