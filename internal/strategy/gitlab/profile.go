package gitlab

import (
	"encoding/json"

	"github.com/kmarchand/voucher/internal/shared/errors"
)

// Email is one entry of a profile's email list.
type Email struct {
	Email   string `json:"email"`
	Primary bool   `json:"primary"`
}

// Profile is the current-user document returned by the provider API. Raw
// retains the full decoded document for pass-through and uid lookup.
type Profile struct {
	ID         int64   `json:"id"`
	Username   string  `json:"username"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Location   string  `json:"location"`
	AvatarURL  string  `json:"avatar_url"`
	WebURL     string  `json:"web_url"`
	WebsiteURL string  `json:"website_url"`
	Emails     []Email `json:"emails"`

	Raw map[string]any `json:"-"`
}

// ParseProfile decodes a current-user response body.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.APIRequest("decoding user profile", err)
	}
	if err := json.Unmarshal(data, &p.Raw); err != nil {
		return nil, errors.APIRequest("decoding user profile", err)
	}
	return &p, nil
}

// PrimaryEmail returns the top-level email when present, otherwise the
// first listed email marked primary. When neither exists it reports false;
// an unmarked email list is never used as a fallback.
func (p *Profile) PrimaryEmail() (string, bool) {
	if p.Email != "" {
		return p.Email, true
	}
	for _, e := range p.Emails {
		if e.Primary && e.Email != "" {
			return e.Email, true
		}
	}
	return "", false
}

// Field looks up a raw profile field by name and coerces it to a string
// lookup key. It reports false when the field is absent or null.
func (p *Profile) Field(name string) (string, bool) {
	v, ok := p.Raw[name]
	if !ok || v == nil {
		return "", false
	}
	s := rawString(p.Raw, name)
	if s == "" {
		if str, isStr := v.(string); isStr {
			return str, true
		}
		return "", false
	}
	return s, true
}
