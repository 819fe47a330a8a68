package gitlab

import (
	"strconv"
	"time"
)

// Token is a decoded token-endpoint response. When the provider rejects the
// exchange, ErrorCode and ErrorDescription carry its payload verbatim and
// AccessToken is empty. Raw retains every field the provider sent.
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string

	ErrorCode        string
	ErrorDescription string

	Raw map[string]any
}

// Valid reports whether the response contained an access token.
func (t *Token) Valid() bool {
	return t.AccessToken != ""
}

// Expires reports whether the provider attached an expiry to the token.
func (t *Token) Expires() bool {
	return !t.ExpiresAt.IsZero()
}

func tokenFromRaw(raw map[string]any) *Token {
	t := &Token{
		AccessToken:      rawString(raw, "access_token"),
		TokenType:        rawString(raw, "token_type"),
		RefreshToken:     rawString(raw, "refresh_token"),
		Scope:            rawString(raw, "scope"),
		ErrorCode:        rawString(raw, "error"),
		ErrorDescription: rawString(raw, "error_description"),
		Raw:              raw,
	}

	if expiresIn := rawInt64(raw, "expires_in"); expiresIn > 0 {
		created := time.Now()
		if createdAt := rawInt64(raw, "created_at"); createdAt > 0 {
			created = time.Unix(createdAt, 0)
		}
		t.ExpiresAt = created.Add(time.Duration(expiresIn) * time.Second)
	}

	return t
}

// rawString coerces a JSON value to its string form. Numbers are formatted
// without a decimal point when integral, matching their wire form.
func rawString(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func rawInt64(raw map[string]any, key string) int64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
