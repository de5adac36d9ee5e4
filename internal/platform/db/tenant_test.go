package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		jwt    string
		want   string
	}{
		{"default", "/", "", "", "default"},
		{"query", "/?tenant_id=clinic_xyz", "", "", "clinic_xyz"},
		{"header over query", "/?tenant_id=query", "header_tenant", "", "header_tenant"},
		{"jwt over header", "/?tenant_id=query", "header", "jwt", "jwt"},
		{"empty jwt falls through", "/", "header_tenant", "", "header_tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)
			assert.Equal(t, tt.want, extractTenantID(c, "default"))
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	for _, v := range []string{"abc", "hospital_1", "A1B2"} {
		assert.True(t, tenantIDPattern.MatchString(v), v)
	}
	for _, v := range []string{"a-b", "a.b", "a b", "'; DROP TABLE", "a/b", ""} {
		assert.False(t, tenantIDPattern.MatchString(v), v)
	}
}

func TestTenantTagMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "payer_one")
	c := e.NewContext(req, httptest.NewRecorder())

	var seen string
	h := TenantTagMiddleware("default")(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		return nil
	})
	require.NoError(t, h(c))
	assert.Equal(t, "payer_one", seen)
	assert.Nil(t, ConnFromContext(c.Request().Context()))
}

func TestTenantTagMiddleware_RejectsInvalid(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad;tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	err := TenantTagMiddleware("default")(func(echo.Context) error { return nil })(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestContextAccessors_WrongTypes(t *testing.T) {
	assert.Nil(t, ConnFromContext(context.Background()))
	assert.Nil(t, ConnFromContext(context.WithValue(context.Background(), DBConnKey, "not-a-conn")))
	assert.Nil(t, TxFromContext(context.Background()))
	assert.Nil(t, TxFromContext(context.WithValue(context.Background(), DBTxKey, "not-a-tx")))
	assert.Empty(t, TenantFromContext(context.WithValue(context.Background(), TenantIDKey, 12345)))
	assert.Equal(t, "t1", TenantFromContext(WithTenant(context.Background(), "t1")))
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no database connection in context", err.Error())
}

func TestRunInTx_NoConnection(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), nil, func(context.Context, pgx.Tx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"} {
		assert.Error(t, CreateTenantSchema(context.Background(), nil, id, nil), id)
	}
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "tenant_acme", SchemaName("acme"))
}
