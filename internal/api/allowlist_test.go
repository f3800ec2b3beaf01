package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDRAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("192.0.2.0/24, 2001:db8::/32, 127.0.0.1, localhost")
	require.NoError(t, err)
	require.NotNil(t, allowlist)

	assert.True(t, allowlist.Allows("192.0.2.10"))
	assert.True(t, allowlist.Allows("2001:db8::1"))
	assert.True(t, allowlist.Allows("127.0.0.1"))
	assert.True(t, allowlist.Allows("::1"))
	assert.False(t, allowlist.Allows("198.51.100.1"))
}

func TestParseCIDRAllowlistInvalid(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("not-a-cidr")
	require.Error(t, err)
	assert.Nil(t, allowlist)
}

func TestParseCIDRAllowlistEmpty(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist(" , ")
	require.NoError(t, err)
	assert.Nil(t, allowlist)
}

func TestAuthLimiterWindowReset(t *testing.T) {
	l := newAuthLimiter(2, time.Minute, 10)
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	assert.True(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))

	// other hosts are tracked independently
	assert.True(t, l.allow("10.0.0.2", now))

	// window expiry resets the count
	assert.True(t, l.allow("10.0.0.1", now.Add(time.Minute)))
}
