package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesmerverse/vettid-dev/messages/auth"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
)

type testSigner struct {
	priv   ed25519.PrivateKey
	claims auth.Claims
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{
		priv: priv,
		claims: auth.Claims{
			SigningKey: base64.RawStdEncoding.EncodeToString(pub),
			User:       "user-1",
			Roles:      []auth.Role{auth.RolePrivateAccount},
		},
	}
}

func (s *testSigner) Claims() auth.Claims        { return s.claims }
func (s *testSigner) Sign(message []byte) []byte { return ed25519.Sign(s.priv, message) }

func TestNewParseRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	env, err := New(signer, KindRequest, "Messages", "syncMessages", map[string]any{"bucket": "reception"})
	require.NoError(t, err)
	require.Equal(t, "request.Messages.syncMessages", env.Subject())

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, env.ID, parsed.ID)

	var body struct {
		Bucket string `json:"bucket"`
	}
	require.NoError(t, parsed.Decode(&body))
	require.Equal(t, "reception", body.Bucket)
}

func TestParseRejectsTamperedContent(t *testing.T) {
	signer := newTestSigner(t)
	env, err := New(signer, KindCommand, "Messages", "markRead", map[string]any{"message_ids": []string{"a"}})
	require.NoError(t, err)
	env.Content = `{"message_ids":["b"]}`

	data, err := env.Marshal()
	require.NoError(t, err)
	_, err = Parse(data)
	require.True(t, domainerr.IsKind(err, domainerr.MalformedInput))
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, data := range []string{`not json`, `{}`, `{"id":"x","kind":"gossip","domain":"Messages","action":"a"}`} {
		_, err := Parse([]byte(data))
		require.True(t, domainerr.IsKind(err, domainerr.MalformedInput), data)
	}
}

func TestEncryptedContent(t *testing.T) {
	signer := newTestSigner(t)
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	env, err := NewEncrypted(signer, KindCommand, "Messages", "postV1", map[string]string{"content": "hi"}, secret, "", map[string]string{"fp": "wrapped"})
	require.NoError(t, err)
	require.True(t, env.Encrypted())

	var v map[string]string
	require.True(t, domainerr.IsKind(env.Decode(&v), domainerr.MalformedInput))

	plaintext, err := env.DecryptContent(secret)
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"hi"}`, string(plaintext))

	wrong := make([]byte, 32)
	_, err = env.DecryptContent(wrong)
	require.True(t, domainerr.IsKind(err, domainerr.MalformedInput))
}

func TestReplySoft(t *testing.T) {
	require.True(t, Fail(CodeServerTimeout, "server timeout").Soft())
	require.True(t, Fail(CodeKeyUnavailable, "key unavailable").Soft())
	require.False(t, Fail(CodeInternal, "boom").Soft())
	require.False(t, OK().Soft())
}
