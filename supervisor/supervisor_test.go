package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethproofgate/relayproxy/store"
)

func TestEnsureRSAKeysGeneratesOnFirstRun(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	keys, err := ensureRSAKeys(st)
	require.NoError(t, err)
	assert.NotNil(t, keys.Private)
	assert.NotNil(t, st.RSAKeys())
}

func TestEnsureRSAKeysReusesPersistedPairAcrossCalls(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	first, err := ensureRSAKeys(st)
	require.NoError(t, err)

	second, err := ensureRSAKeys(st)
	require.NoError(t, err)

	assert.Equal(t, first.Private.D, second.Private.D)
}

func TestEnsureRSAKeysReusesPersistedPairAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := store.Open(path)
	require.NoError(t, err)
	first, err := ensureRSAKeys(st)
	require.NoError(t, err)

	reopened, err := store.Open(path)
	require.NoError(t, err)
	second, err := ensureRSAKeys(reopened)
	require.NoError(t, err)

	assert.Equal(t, first.Private.D, second.Private.D)
}
