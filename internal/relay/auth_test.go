package relay

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintParseToken_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := MintToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	userID, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := MintToken([]byte("secret-a"), "alice", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken([]byte("secret-b"), token)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestParseToken_Expired(t *testing.T) {
	token, err := MintToken([]byte("secret"), "alice", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken([]byte("secret"), token)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Fatal, Classify(fatal(assert.AnError)))
	assert.Equal(t, Retriable, Classify(retriable(assert.AnError)))
	assert.Equal(t, Retriable, Classify(assert.AnError), "unclassified errors default to retriable")
}
