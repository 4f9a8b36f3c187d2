package status_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	t.Run("nil error", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, status.ErrUnknown, status.KindOf(nil))
	})

	t.Run("plain error", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, status.ErrUnknown, status.KindOf(errors.New("boom")))
	})

	t.Run("outer kind wins", func(t *testing.T) {
		t.Parallel()
		inner := fmt.Errorf("unseal: %w", status.ErrUnsealing)
		err := fmt.Errorf("gen m7: %w: %w", status.ErrPairingBlobInvalid, inner)
		require.Equal(t, status.ErrPairingBlobInvalid, status.KindOf(err))
		require.ErrorIs(t, err, status.ErrUnsealing)
		require.ErrorIs(t, err, status.ErrPairingBlobInvalid)
	})
}

func TestClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      status.Kind
		class     status.Class
		transient bool
	}{
		{status.ErrEnclaveLost, status.ClassTransient, true},
		{status.ErrNetworkUnavailable, status.ClassTransient, true},
		{status.ErrHMACMismatch, status.ClassStructural, false},
		{status.ErrSignatureRevoked, status.ClassRevocation, false},
		{status.ErrStructural, status.ClassBlob, false},
		{status.ErrInsufficientMemory, status.ClassResource, false},
		{status.ErrBackendInvalidQuote, status.ClassBackend, false},
		{status.ErrCallOrder, status.ClassUsage, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.class, tt.kind.Class())
			require.Equal(t, tt.transient, tt.kind.Transient())
			require.Equal(t, tt.transient, status.IsTransient(fmt.Errorf("wrapped: %w", tt.kind)))
		})
	}
}

func TestClassString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "blob", status.ErrUnsealing.Class().String())
	require.Equal(t, "backend", status.ErrBackendUnknown.Class().String())
	require.Equal(t, "unknown", status.Class(42).String())
}
