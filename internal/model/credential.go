package model

import "time"

// Cookie is a single browser cookie as persisted in a credential.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// Credential is the authenticated cookie set for the target portal domain.
type Credential struct {
	Domain  string    `json:"domain"`
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"saved_at"`
}

// IsZero reports whether the credential carries no cookies.
func (c Credential) IsZero() bool {
	return len(c.Cookies) == 0
}
