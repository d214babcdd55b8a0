package ui

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	gomponents "maragu.dev/gomponents"
	html "maragu.dev/gomponents/html"
)

// Running a query spends budget, so every POST to the page carries a
// double-submit token: the cookie value echoed in a form field or the
// X-CSRF-Token header.
const (
	csrfCookieName = "duckdp_csrf"
	csrfFormField  = "csrf_token"
	csrfHeader     = "X-CSRF-Token"
	csrfTokenBytes = 32
)

var (
	errCSRFNoCookie = errors.New("missing CSRF cookie; reload the page and try again")
	errCSRFMismatch = errors.New("invalid or missing CSRF token")
)

type csrfTokenKey struct{}

// withCSRFCookie makes sure the browser holds a token cookie and exposes the
// token to the page renderer.
func (h *Handler) withCSRFCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := cookieToken(r)
		if token == "" {
			token = newCSRFToken()
			http.SetCookie(w, &http.Cookie{
				Name:     csrfCookieName,
				Value:    token,
				Path:     "/",
				HttpOnly: true,
				Secure:   h.Production,
				SameSite: http.SameSiteStrictMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenKey{}, token)))
	})
}

// checkCSRF guards the routes it wraps; only safe methods pass unchecked.
func (h *Handler) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := verifyCSRF(r); err != nil {
			renderHTML(w, http.StatusForbidden, errorPage("Request rejected", err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func verifyCSRF(r *http.Request) error {
	want := cookieToken(r)
	if want == "" {
		return errCSRFNoCookie
	}
	got := strings.TrimSpace(r.Header.Get(csrfHeader))
	if got == "" {
		_ = r.ParseForm()
		got = strings.TrimSpace(r.PostForm.Get(csrfFormField))
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

// csrfInput renders the hidden field carrying the request's token.
func csrfInput(r *http.Request) gomponents.Node {
	token, ok := r.Context().Value(csrfTokenKey{}).(string)
	if !ok {
		token = cookieToken(r)
	}
	return html.Input(html.Type("hidden"), html.Name(csrfFormField), html.Value(token))
}

func cookieToken(r *http.Request) string {
	if c, err := r.Cookie(csrfCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func newCSRFToken() string {
	b := make([]byte, csrfTokenBytes)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
