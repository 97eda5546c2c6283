package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Authenticate(t *testing.T) {
	a := NewStatic(map[string]string{
		"tok-alpha": "acct-1",
		"tok-beta":  "acct-2",
	})

	id, err := a.Authenticate(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", id.Account)

	_, err = a.Authenticate(context.Background(), "tok-unknown")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
