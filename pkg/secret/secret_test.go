package secret_test

import (
	"testing"

	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/stretchr/testify/require"
)

func TestWipe(t *testing.T) {
	t.Parallel()
	b := []byte{1, 2, 3, 4}
	secret.Wipe(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)
	require.True(t, secret.IsZero(b))
}
