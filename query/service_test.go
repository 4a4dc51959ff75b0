package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

type forwarded struct {
	requester auth.Claims
	keyIDs    []string
	reply     string
	corr      string
}

type recordingForwarder struct {
	calls []forwarded
}

func (r *recordingForwarder) ForwardDecryptKeys(requester auth.Claims, keyIDs []string, reply, correlationID string) error {
	r.calls = append(r.calls, forwarded{requester, keyIDs, reply, correlationID})
	return nil
}

func seed(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	put := func(id, user, bucket, keyID string, offset time.Duration, atts ...store.Attachment) {
		_, err := st.UpsertMessage(ctx, store.Message{
			MessageID:    id,
			UserID:       user,
			Bucket:       bucket,
			Payload:      encryption.EncryptedPayload{Data: "ZGF0YQ", Format: encryption.FormatStream, KeyID: keyID, Nonce: "bm9uY2U"},
			DateReceived: base.Add(offset),
			CreatedAt:    base.Add(offset),
		}, atts)
		require.NoError(t, err)
	}
	put("m1", "alice", "", "k-a", 1*time.Second, store.Attachment{MessageID: "m1", UserID: "alice", FileID: "f1", KeyID: "fk-a", Format: encryption.FormatStream, Nonce: "bm9uY2U", Size: 10})
	put("m2", "alice", "", "k-a", 2*time.Second)
	put("m3", "alice", "archive", "k-a", 3*time.Second)
	put("m4", "bob", "", "k-b", 4*time.Second)
	return st
}

func TestSyncDefaultsAndBuckets(t *testing.T) {
	svc := NewService(seed(t), &recordingForwarder{})
	ctx := context.Background()

	reply, err := svc.Sync(ctx, "alice", SyncRequest{})
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, store.ReceptionBucket, reply.Bucket)
	require.Len(t, reply.Messages, 2)
	require.Equal(t, "m1", reply.Messages[0].MessageID)
	require.Equal(t, "m2", reply.Messages[1].MessageID)

	reply, err = svc.Sync(ctx, "alice", SyncRequest{Bucket: "archive"})
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)

	reply, err = svc.Sync(ctx, "alice", SyncRequest{Skip: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, "m2", reply.Messages[0].MessageID)
}

func TestMessagesByIDsOnlyReturnsOwned(t *testing.T) {
	svc := NewService(seed(t), &recordingForwarder{})

	reply, err := svc.MessagesByIDs(context.Background(), "alice", MessagesByIDsRequest{MessageIDs: []string{"m1", "m4"}})
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, "m1", reply.Messages[0].MessageID)
	require.Equal(t, "k-a", reply.Messages[0].Message.KeyID)
	require.Len(t, reply.Messages[0].Files, 1)
	require.Equal(t, "fk-a", reply.Messages[0].Files[0].KeyID)
}

func TestDiscloseKeysForwardsOwnedOnly(t *testing.T) {
	fwd := &recordingForwarder{}
	svc := NewService(seed(t), fwd)
	claims := auth.Claims{User: "alice"}

	reply, err := svc.DiscloseKeys(context.Background(), "alice", claims,
		DecryptKeysRequest{KeyIDs: []string{"k-a", "k-b"}}, "_INBOX.1", "c1")
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Len(t, fwd.calls, 1)
	require.Equal(t, []string{"k-a"}, fwd.calls[0].keyIDs)
	require.Equal(t, "_INBOX.1", fwd.calls[0].reply)
	require.Equal(t, "c1", fwd.calls[0].corr)
}

func TestDiscloseKeysDeniesUnowned(t *testing.T) {
	fwd := &recordingForwarder{}
	svc := NewService(seed(t), fwd)

	reply, err := svc.DiscloseKeys(context.Background(), "alice", auth.Claims{},
		DecryptKeysRequest{KeyIDs: []string{"k-b"}}, "_INBOX.1", "")
	require.NoError(t, err)
	require.False(t, reply.OK)
	require.Equal(t, envelope.CodeAccessDenied, reply.Code)
	require.Empty(t, fwd.calls)
}

func TestDiscloseAttachmentKeys(t *testing.T) {
	fwd := &recordingForwarder{}
	svc := NewService(seed(t), fwd)
	ctx := context.Background()

	reply, err := svc.DiscloseKeys(ctx, "alice", auth.Claims{}, DecryptKeysRequest{KeyIDs: []string{"k-a"}, Files: true}, "_INBOX.1", "")
	require.NoError(t, err)
	require.Equal(t, envelope.CodeAccessDenied, reply.Code)

	reply, err = svc.DiscloseKeys(ctx, "alice", auth.Claims{}, DecryptKeysRequest{KeyIDs: []string{"fk-a"}, Files: true}, "_INBOX.1", "")
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Equal(t, []string{"fk-a"}, fwd.calls[0].keyIDs)
}

func TestDiscloseKeysNeedsReplySubject(t *testing.T) {
	svc := NewService(seed(t), &recordingForwarder{})
	_, err := svc.DiscloseKeys(context.Background(), "alice", auth.Claims{}, DecryptKeysRequest{KeyIDs: []string{"k-a"}}, "", "")
	require.True(t, domainerr.IsKind(err, domainerr.MalformedInput))
}
