package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestRedirectURI(t *testing.T) {
	cases := []struct {
		name   string
		origin RequestOrigin
		want   string
	}{
		{
			name:   "forwarded headers win",
			origin: RequestOrigin{ForwardedProto: "https", ForwardedHost: "tenant.example.com", Scheme: "http", Host: "10.0.0.4:3000"},
			want:   "https://tenant.example.com/auth/kintone/callback",
		},
		{
			name:   "first forwarded value",
			origin: RequestOrigin{ForwardedProto: "https, http", ForwardedHost: "a.example.com, proxy.internal"},
			want:   "https://a.example.com/auth/kintone/callback",
		},
		{
			name:   "forwarded host without proto defaults to https",
			origin: RequestOrigin{ForwardedHost: "a.example.com", Scheme: "http"},
			want:   "https://a.example.com/auth/kintone/callback",
		},
		{
			name:   "request host",
			origin: RequestOrigin{Scheme: "http", Host: "localhost:3000"},
			want:   "http://localhost:3000/auth/kintone/callback",
		},
		{
			name: "base url",
			want: "https://app.example.com/auth/kintone/callback",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RedirectURI("https://app.example.com/", models.ProviderKintone, tc.origin))
		})
	}
}

func TestValidateReturnTo(t *testing.T) {
	base := "https://app.example.com"

	allowed := map[string]string{
		"":                                  "/",
		"/settings":                         "/settings",
		"/settings?tab=integrations":        "/settings?tab=integrations",
		"https://app.example.com/dashboard": "https://app.example.com/dashboard",
		"https://APP.example.com/x":         "https://APP.example.com/x",
	}
	for in, want := range allowed {
		got, err := ValidateReturnTo(base, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	rejected := []string{
		"//evil.example.net/path",
		"/\\evil.example.net",
		"https://evil.example.net/",
		"http://app.example.com/downgrade",
		"https://app.example.com.evil.net/",
		"javascript:alert(1)",
		"settings",
		"/\t/evil.example",
		"/\n/evil.example",
		"/\r\n/evil.example",
		"\t//evil.example",
		"/settings\x7f",
		"https://app.example.com/\t/x",
	}
	for _, in := range rejected {
		_, err := ValidateReturnTo(base, in)
		assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err), in)
	}
}

func TestStateSigner(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	signer := NewStateSigner("secret", func() time.Time { return now })

	token, id, err := signer.Sign(StateClaims{TenantID: "t", ConnectorID: "c", Provider: "kintone", ReturnTo: "/x"}, 10*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.ID)
	assert.Equal(t, "c", claims.ConnectorID)
	assert.Equal(t, "/x", claims.ReturnTo)

	_, err = NewStateSigner("other", func() time.Time { return now }).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = NewStateSigner("secret", func() time.Time { return now.Add(11 * time.Minute) }).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = signer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidState)
}
