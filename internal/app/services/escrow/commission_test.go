package escrow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovendo/momentcore/internal/httputil"
)

func TestParsePlans(t *testing.T) {
	plans, err := ParsePlans([]byte("default: 10\nplans:\n  free: 15\n  creator_pro: 7.5\n"))
	require.NoError(t, err)

	rate, err := plans.CommissionRate(context.Background(), "creator_pro")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("7.5")))

	rate, err = plans.CommissionRate(context.Background(), "enterprise")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(10)))

	_, err = ParsePlans([]byte("plans:\n  broken: 120\n"))
	assert.Error(t, err)
}

func TestStaticPlansWithoutDefault(t *testing.T) {
	plans, err := ParsePlans([]byte("plans:\n  free: 15\n"))
	require.NoError(t, err)
	_, err = plans.CommissionRate(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestPlanClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plans/pro":
			_, _ = w.Write([]byte(`{"commission_rate": "8.5"}`))
		case "/plans/legacy":
			_, _ = w.Write([]byte(`{"data": {"commission_rate": 12}}`))
		case "/plans/empty":
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewPlanClient(httputil.NewServiceClient(httputil.ServiceClientConfig{BaseURL: server.URL, MaxRetries: 1}))
	ctx := context.Background()

	rate, err := client.CommissionRate(ctx, "pro")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("8.5")))

	rate, err = client.CommissionRate(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(12)))

	_, err = client.CommissionRate(ctx, "empty")
	assert.Error(t, err)

	_, err = client.CommissionRate(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}
