package browser

import (
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/ahrdadan/quizpilot/internal/model"
)

func toCookieParams(c model.Credential) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(c.Cookies))

	for _, cookie := range c.Cookies {
		param := &proto.NetworkCookieParam{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			HTTPOnly: cookie.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(cookie.SameSite),
		}

		if cookie.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(cookie.Expires)
		}

		if param.Domain == "" && c.Domain != "" {
			param.URL = "https://" + c.Domain + "/"
		}

		params = append(params, param)
	}

	return params
}

func fromCookies(domain string, cookies []*proto.NetworkCookie) model.Credential {
	c := model.Credential{
		Domain:  domain,
		SavedAt: time.Now().UTC(),
	}

	for _, cookie := range cookies {
		if domain != "" && !domainMatches(domain, cookie.Domain) {
			continue
		}
		c.Cookies = append(c.Cookies, model.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Expires:  float64(cookie.Expires),
			HTTPOnly: cookie.HTTPOnly,
			Secure:   cookie.Secure,
			SameSite: string(cookie.SameSite),
		})
	}

	return c
}

// domainMatches reports whether a cookie set for cookieDomain is sent to host.
func domainMatches(host, cookieDomain string) bool {
	d := strings.TrimPrefix(strings.ToLower(cookieDomain), ".")
	h := strings.ToLower(host)
	if d == "" {
		return false
	}
	return h == d || strings.HasSuffix(h, "."+d)
}
