package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestContentIgnoresVolatileFields ensures records differing only in
// timestamps hash identically.
func TestContentIgnoresVolatileFields(t *testing.T) {
	t.Parallel()

	a, err := Content([]byte(`{"url":"https://example.com/p/1","title":"Widget","scraped_at":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	b, err := Content([]byte(`{"url":"https://example.com/p/1","title":"Widget","scraped_at":"2026-02-02T12:34:56Z"}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// TestContentDistinguishesItems ensures different items hash differently.
func TestContentDistinguishesItems(t *testing.T) {
	t.Parallel()

	a, err := Content([]byte(`{"url":"https://example.com/p/1"}`))
	require.NoError(t, err)
	b, err := Content([]byte(`{"url":"https://example.com/p/2"}`))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

// TestContentFallsBackToFullPayload hashes payloads without stable fields
// deterministically regardless of key order.
func TestContentFallsBackToFullPayload(t *testing.T) {
	t.Parallel()

	a, err := Content([]byte(`{"alpha":1,"beta":2}`))
	require.NoError(t, err)
	b, err := Content([]byte(`{"beta":2,"alpha":1}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// TestContentRejectsNonObject surfaces decode failures.
func TestContentRejectsNonObject(t *testing.T) {
	t.Parallel()

	_, err := Content([]byte(`not json`))
	require.Error(t, err)
}
