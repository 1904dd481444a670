package http

import "net/url"

// IsValidUrl reports whether hurl is an absolute http(s) url.
func IsValidUrl(hurl string) bool {
	u, err := url.Parse(hurl)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
