package network

import (
	"net/http"
	"net/url"
)

const (
	// CSRFCookieName is the cookie holding the anti-forgery token.
	CSRFCookieName = "csrftoken"
	// CSRFHeaderName carries the anti-forgery token on segment requests.
	CSRFHeaderName = "X-CSRFToken"
	// CSRFFormField carries the anti-forgery token in form bodies.
	CSRFFormField = "csrfmiddlewaretoken"
)

// CookieStore looks up cookie values by name.
type CookieStore interface {
	Get(name string) string
}

// JarCookieStore reads the cookies a jar would send to URL.
type JarCookieStore struct {
	Jar http.CookieJar
	URL *url.URL
}

// Get ...
func (s JarCookieStore) Get(name string) string {
	if s.Jar == nil || s.URL == nil {
		return ""
	}
	for _, cookie := range s.Jar.Cookies(s.URL) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

// CSRFToken returns the anti-forgery token of store.
func CSRFToken(store CookieStore) string {
	if store == nil {
		return ""
	}
	return store.Get(CSRFCookieName)
}
