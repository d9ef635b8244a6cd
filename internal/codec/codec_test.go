package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTicket() *model.Ticket {
	now := time.Date(2026, 7, 1, 12, 0, 0, 123456789, time.UTC)
	tgt := &model.Ticket{
		ID:             "TGT-1-abc123",
		Kind:           model.KindTicketGrantingTicket,
		CreationTime:   now,
		LastTimeUsed:   now.Add(time.Minute),
		UsageCount:     3,
		RootID:         "TGT-1-abc123",
		Policy:         expiration.RememberMeDelegating(expiration.HardTimeout(24*time.Hour), expiration.TicketGrantingTicket(8*time.Hour, time.Hour)),
		Authentication: model.NewAuthentication("casuser", map[string][]string{"mail": {"casuser@example.org"}}),
		Version:        7,
	}
	tgt.Authentication.AuthenticatedAt = now
	tgt.Authentication.Attributes[model.AttrAuthenticationMethod] = []string{"password"}
	tgt.GrantService("ST-1-xyz789", "https://app.example.org")
	tgt.AddProxyGrantingTicket("PGT-1-qqq", "https://proxy.example.org/cb")
	return tgt
}

func TestCodec_RoundTrip(t *testing.T) {
	for name, opts := range map[string]func(t *testing.T) Options{
		"plain":      func(t *testing.T) Options { return Options{} },
		"compressed": func(t *testing.T) Options { return Options{CompressThreshold: 16} },
		"encrypted": func(t *testing.T) Options {
			c, err := NewCipher("unit-test-secret")
			require.NoError(t, err)
			return Options{CompressThreshold: 16, Cipher: c}
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := New(opts(t))
			require.NoError(t, err)
			defer c.Close()

			original := sampleTicket()
			data, err := c.Encode(original)
			require.NoError(t, err)

			decoded, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}
}

func TestCodec_EncryptedPayloadHidesContent(t *testing.T) {
	cipher, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	c, err := New(Options{Cipher: cipher})
	require.NoError(t, err)

	data, err := c.Encode(sampleTicket())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "casuser")

	other, err := NewCipher("another-secret")
	require.NoError(t, err)
	c2, err := New(Options{Cipher: other})
	require.NoError(t, err)
	_, err = c2.Decode(data)
	assert.ErrorIs(t, err, ErrDecrypt)

	plain, err := New(Options{})
	require.NoError(t, err)
	_, err = plain.Decode(data)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCodec_Corrupted(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = c.Decode([]byte{9, 0, 1})
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = c.Decode([]byte{formatVersion, 0, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStorageKey(t *testing.T) {
	plain, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, "ST-1-abc", plain.StorageKey("ST-1-abc"))

	cipher, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	enc, err := New(Options{Cipher: cipher})
	require.NoError(t, err)

	key := enc.StorageKey("ST-1-abc")
	assert.True(t, strings.HasPrefix(key, "ST:"))
	assert.NotContains(t, key, "abc")
	assert.Equal(t, key, enc.StorageKey("ST-1-abc"))
	assert.NotEqual(t, key, enc.StorageKey("ST-2-abc"))
}

func TestRefs(t *testing.T) {
	plain, err := New(Options{})
	require.NoError(t, err)
	ref, err := plain.SealRef("PT-3-abc")
	require.NoError(t, err)
	assert.Equal(t, "PT-3-abc", ref)
	assert.Equal(t, "PT-*", plain.KeyPattern("PT"))
	id, ok := plain.IDFromKey("PT-3-abc")
	assert.True(t, ok)
	assert.Equal(t, "PT-3-abc", id)

	cipher, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	enc, err := New(Options{Cipher: cipher})
	require.NoError(t, err)
	ref, err = enc.SealRef("PT-3-abc")
	require.NoError(t, err)
	assert.NotContains(t, ref, "abc")
	id, err = enc.OpenRef(ref)
	require.NoError(t, err)
	assert.Equal(t, "PT-3-abc", id)
	assert.Equal(t, "PT:*", enc.KeyPattern("PT"))
	_, ok = enc.IDFromKey("PT:0011")
	assert.False(t, ok)

	_, err = enc.OpenRef("not-base64!")
	assert.ErrorIs(t, err, ErrDecrypt)
}

// 相同密钥在不同实例上派生出相同的加密密钥与摘要密钥
func TestNewCipher_KeyDerivation(t *testing.T) {
	a, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	b, err := NewCipher("unit-test-secret")
	require.NoError(t, err)
	other, err := NewCipher("another-secret")
	require.NoError(t, err)

	assert.Equal(t, a.Digest("TGT-1-abc"), b.Digest("TGT-1-abc"))
	assert.Len(t, a.Digest("TGT-1-abc"), 64)
	assert.NotEqual(t, a.Digest("TGT-1-abc"), other.Digest("TGT-1-abc"))

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)
	plain, err := b.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	_, err = NewCipher("")
	assert.Error(t, err)
}
