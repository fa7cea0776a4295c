package secret

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/roadmap-sync/internal/model"
)

func newTestCodec() *Codec {
	return NewCodec(StaticProvider("test-master-secret"))
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec()

	for _, p := range []string{"", "pat-123", "ünïcødé ✓", strings.Repeat("x", 4096)} {
		payload, err := c.Encrypt(p)
		require.NoError(t, err)
		assert.Len(t, strings.Split(payload, "."), 3)

		got, err := c.Decrypt(payload)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestCodec_Encrypt_IsNonDeterministic(t *testing.T) {
	c := newTestCodec()

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCodec_Decrypt_DetectsTampering(t *testing.T) {
	c := newTestCodec()

	payload, err := c.Encrypt("super secret token")
	require.NoError(t, err)
	parts := strings.Split(payload, ".")

	// Flip every byte of every segment in turn; each must fail the tag check.
	for seg := range parts {
		raw, err := encoding.DecodeString(parts[seg])
		require.NoError(t, err)

		for i := range raw {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 0x01

			tampered := append([]string(nil), parts...)
			tampered[seg] = encoding.EncodeToString(mutated)

			_, err := c.Decrypt(strings.Join(tampered, "."))
			require.ErrorIs(t, err, ErrAuthenticationFailure, "segment %d byte %d", seg, i)
		}
	}
}

func TestCodec_Decrypt_WrongKey(t *testing.T) {
	payload, err := newTestCodec().Encrypt("token")
	require.NoError(t, err)

	_, err = NewCodec(StaticProvider("another-secret")).Decrypt(payload)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestCodec_Decrypt_InvalidPayload(t *testing.T) {
	c := newTestCodec()

	for _, p := range []string{"", "abc", "a.b", "a.b.c.d", "!!.??.**", "..x"} {
		_, err := c.Decrypt(p)
		assert.ErrorIs(t, err, ErrInvalidPayload, "payload %q", p)
		assert.True(t, IsCodecError(err))
	}
}

func TestCodec_MissingMasterSecret(t *testing.T) {
	c := NewCodec(StaticProvider(""))

	_, err := c.Encrypt("token")
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

type countingProvider struct {
	calls int
}

func (p *countingProvider) MasterSecret() (string, error) {
	p.calls++
	return "k", nil
}

func TestCodec_DerivesKeyOnce(t *testing.T) {
	p := &countingProvider{}
	c := NewCodec(p)

	for i := 0; i < 3; i++ {
		_, err := c.Encrypt("x")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.calls)
}

func TestChainProvider(t *testing.T) {
	got, err := ChainProvider{StaticProvider(""), StaticProvider("second")}.MasterSecret()
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	_, err = ChainProvider{StaticProvider("")}.MasterSecret()
	var cfgErr *model.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
