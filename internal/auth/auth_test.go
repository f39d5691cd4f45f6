package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	operatorToken = "operator-token-0123456789"
	viewerToken   = "viewer-token-0123456789"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Enabled: true,
		Tokens: []TokenConfig{
			{Name: "operator", Token: operatorToken, Permissions: []string{PermissionAll}},
			{Name: "viewer", Token: viewerToken, Permissions: []string{PermissionRead}},
			{Name: "retired", Disabled: true},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest("Bearer " + viewerToken)
	require.NoError(t, err)
	assert.Equal(t, "viewer", subject.Name)
	assert.True(t, subject.HasPermission(PermissionRead))
	assert.ErrorIs(t, subject.Authorize(PermissionExecute), ErrPermissionDenied)

	subject, err = svc.AuthenticateRequest("bearer " + operatorToken)
	require.NoError(t, err)
	assert.NoError(t, subject.Authorize(PermissionExecute, PermissionSettings))

	_, err = svc.AuthenticateRequest("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer wrong-token-000000000")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Enabled: true})
	assert.Error(t, err)

	_, err = NewService(Config{Enabled: true, Tokens: []TokenConfig{{Name: "a", Token: "short", Permissions: []string{PermissionRead}}}})
	assert.Error(t, err)

	_, err = NewService(Config{Enabled: true, Tokens: []TokenConfig{{Name: "a", Token: operatorToken}}})
	assert.Error(t, err)

	_, err = NewService(Config{Enabled: true, Tokens: []TokenConfig{
		{Name: "a", Token: operatorToken, Permissions: []string{PermissionRead}},
		{Name: "a", Token: viewerToken, Permissions: []string{PermissionRead}},
	}})
	assert.Error(t, err)

	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
}

func TestRequireMiddleware(t *testing.T) {
	svc := newTestService(t)
	var caller string
	handler := svc.Require(PermissionExecute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = SubjectFromContext(r.Context()).Name
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope-nope-nope-nope", http.StatusUnauthorized},
		{"forbidden", "Bearer " + viewerToken, http.StatusForbidden},
		{"allowed", "Bearer " + operatorToken, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/portfolios/p1/rebalance", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	assert.Equal(t, "operator", caller)
}

func TestRequireDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	handler := svc.Require(PermissionSettings)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, SubjectFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
