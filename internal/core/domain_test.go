package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccountID(t *testing.T) {
	id, err := ParseAccountID("acme/cust_42")
	require.NoError(t, err)
	assert.Equal(t, "acme", id.BusinessID)
	assert.Equal(t, "cust_42", id.CustomerID)
	assert.Equal(t, ScopeCustomer, id.Scope())
	assert.Equal(t, "acme/cust_42", id.String())

	id, err = ParseAccountID("acme")
	require.NoError(t, err)
	assert.Empty(t, id.CustomerID)
	assert.Equal(t, ScopeBusiness, id.Scope())

	_, err = ParseAccountID("")
	assert.Error(t, err)
}

func TestBreachOperatorCompare(t *testing.T) {
	assert.True(t, OpGTE.Compare(1000, 1000))
	assert.False(t, OpGT.Compare(1000, 1000))
	assert.True(t, OpGT.Compare(1000.5, 1000))
	assert.True(t, OpLT.Compare(2, 3))
	assert.True(t, OpEQ.Compare(5, 5))
	assert.False(t, OpEQ.Compare(5.0000001, 5))
}

func TestParseEnums(t *testing.T) {
	op, err := ParseOperation(" sum ")
	require.NoError(t, err)
	assert.Equal(t, OpSum, op)

	_, err = ParseOperation("median")
	assert.Error(t, err)

	mt, err := ParseMetricType("")
	require.NoError(t, err)
	assert.Equal(t, MetricReset, mt, "empty metric type defaults to reset")

	mt, err = ParseMetricType("STRIPE_BILLING")
	require.NoError(t, err)
	assert.Equal(t, MetricStripeBilling, mt)

	a, err := ParseBreachAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionLog, a, "empty action defaults to log")

	_, err = ParseBreachOperator("between")
	assert.Error(t, err)
}

func TestPrincipalAccount(t *testing.T) {
	p := Principal{BusinessID: "acme", CustomerID: "cust_1", KeyType: "customer_api"}
	assert.True(t, p.IsCustomer())
	assert.Equal(t, "acme/cust_1", p.Account().String())
}
