package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig()
	require.Equal("1.0.0", c.LibraryVersion)
	require.True(c.WelcomeCursorIncrement)
	require.Equal(100, c.WelcomeQueueSize)
}

func TestParse(t *testing.T) {
	require := require.New(t)
	opts, err := Parse([]byte(`
library_version: 2.3.1
welcome_cursor_increment: false
identity_fetch_max_retries: 7
`))
	require.Nil(err)
	c := NewConfig(append(opts, WithLoggingPrefix("a"))...)
	require.Equal("2.3.1", c.LibraryVersion)
	require.False(c.WelcomeCursorIncrement)
	require.Equal(uint64(7), c.IdentityFetchMaxRetries)
	require.Equal("a", c.LoggingPrefix)
	require.Equal(100, c.EventBufferSize)
}

func TestParseInvalid(t *testing.T) {
	require := require.New(t)
	_, err := Parse([]byte("library_version: [1, 2"))
	require.NotNil(err)
}
