package auth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// RequestOrigin is how the caller reached the service. Forwarded values come
// from the proxy headers and win over the direct request.
type RequestOrigin struct {
	ForwardedProto string
	ForwardedHost  string
	Scheme         string
	Host           string
}

func firstValue(header string) string {
	if i := strings.Index(header, ","); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(header)
}

// RedirectURI derives the callback URL for provider. Start and Callback both
// call it so the URI sent with the exchange matches the one authorized.
func RedirectURI(baseURL string, provider models.Provider, origin RequestOrigin) string {
	proto := firstValue(origin.ForwardedProto)
	host := firstValue(origin.ForwardedHost)
	if host == "" {
		host = origin.Host
		if proto == "" {
			proto = origin.Scheme
		}
	}

	base := strings.TrimSuffix(baseURL, "/")
	if host != "" {
		if proto == "" {
			proto = "https"
		}
		base = proto + "://" + host
	}
	return fmt.Sprintf("%s/auth/%s/callback", base, provider)
}

// ValidateReturnTo accepts a same-origin relative path or an absolute URL on
// the configured base origin. An empty value maps to "/".
func ValidateReturnTo(baseURL, returnTo string) (string, error) {
	if returnTo == "" {
		return "/", nil
	}
	// Browsers drop tab, CR and LF while parsing, so "/\t/host" would
	// become a protocol relative URL.
	if strings.IndexFunc(returnTo, isControl) >= 0 {
		return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
	}
	if strings.HasPrefix(returnTo, "/") {
		if strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, "/\\") {
			return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
		}
		target, err := url.Parse(returnTo)
		if err != nil || target.Scheme != "" || target.Host != "" {
			return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
		}
		return returnTo, nil
	}

	target, err := url.Parse(returnTo)
	if err != nil || target.Host == "" {
		return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
	}
	if !strings.EqualFold(target.Scheme, base.Scheme) || !strings.EqualFold(target.Host, base.Host) {
		return "", apperrors.Validation("returnTo must be a relative path or an URL on this site")
	}
	return returnTo, nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
