package domainerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := errors.New("deadline")
	err := fmt.Errorf("resolve key: %w", Wrap(RemoteTimeout, "custodian.decrypt", base))

	require.Equal(t, RemoteTimeout, KindOf(err))
	require.True(t, IsKind(err, RemoteTimeout))
	require.ErrorIs(t, err, base)
	require.ErrorIs(t, err, &Error{Kind: RemoteTimeout})
	require.NotErrorIs(t, err, &Error{Kind: Unauthorized})
}

func TestKindOfUnclassified(t *testing.T) {
	require.Equal(t, Internal, KindOf(errors.New("boom")))
	require.False(t, IsKind(nil, Internal))
	require.Nil(t, Wrap(Internal, "op", nil))
}

func TestErrorString(t *testing.T) {
	err := New(UnknownTransactionKind, "applier.apply", "action %q", "archive")
	require.Equal(t, `applier.apply: unknown_transaction_kind: action "archive"`, err.Error())
}
