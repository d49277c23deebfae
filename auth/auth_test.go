package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	i := NewIssuer("Cherum", "dev")
	token, err := i.Issue()
	require.NoError(t, err)
	assert.NoError(t, i.Validate(token))
}

func TestValidateRejects(t *testing.T) {
	i := NewIssuer("Cherum", "dev")

	other, err := NewIssuer("Other", "dev").Issue()
	require.NoError(t, err)
	wrongKey, err := NewIssuer("Cherum", "not-dev").Issue()
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"issuer": "Cherum"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"other issuer": other,
		"wrong key":    wrongKey,
		"unsigned":     none,
	} {
		assert.ErrorIs(t, i.Validate(token), ErrUnauthorized, name)
	}
}

func TestRequire(t *testing.T) {
	i := NewIssuer("Cherum", "dev")
	token, err := i.Issue()
	require.NoError(t, err)
	handler := i.Require(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for name, tc := range map[string]struct {
		header string
		want   int
	}{
		"valid":     {"Bearer " + token, http.StatusNoContent},
		"lowercase": {"bearer " + token, http.StatusNoContent},
		"missing":   {"", http.StatusUnauthorized},
		"no scheme": {token, http.StatusUnauthorized},
		"basic":     {"Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		"bad token": {"Bearer abc", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, tc.want, rec.Code, name)
		if tc.want == http.StatusUnauthorized {
			assert.JSONEq(t, `{"error": "Unauthorized"}`, rec.Body.String(), name)
		}
	}
}
