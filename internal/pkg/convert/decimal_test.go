package convert

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDec(t *testing.T) {
	d, err := Dec("balance", "123.45")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("123.45")))

	d, err = Dec("balance", "  ")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = Dec("balance", "12,5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "balance")
}

func TestDecOrPicksFirstNonEmpty(t *testing.T) {
	d, err := DecOr("price", "", "  ", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", d.String())

	d, err = DecOr("price", "", "")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestParserRemembersFirstError(t *testing.T) {
	p := new(Parser)
	a := p.Dec("a", "1")
	b := p.Dec("b", "oops")
	c := p.Dec("c", "also-bad")

	assert.Equal(t, "1", a.String())
	assert.True(t, b.IsZero())
	assert.True(t, c.IsZero())
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "字段 b")
}

func TestParserCleanRun(t *testing.T) {
	p := new(Parser)
	p.Dec("a", "1")
	p.DecOr("b", "", "2")
	assert.NoError(t, p.Err())
}
