package he

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *Encrypter, *Decrypter) {
	t.Helper()

	engine, err := NewEngine()
	require.NoError(t, err)

	secretKey, publicKey, err := engine.GenerateKeyPair()
	require.NoError(t, err)

	enc, err := engine.NewEncrypter(publicKey)
	require.NoError(t, err)

	dec, err := engine.NewDecrypter(secretKey)
	require.NoError(t, err)

	return engine, enc, dec
}

func TestScoreRoundTrip(t *testing.T) {
	_, enc, dec := newTestEngine(t)

	scores := []uint32{0, 1, 4, 5, 4294967295}
	for _, score := range scores {
		handle, err := enc.EncryptScore(score)
		require.NoError(t, err)
		require.NotEmpty(t, handle)

		got, err := dec.DecryptUint64(handle)
		require.NoError(t, err)
		require.Equal(t, uint64(score), got)
	}
}

func TestHomomorphicAdd(t *testing.T) {
	engine, enc, dec := newTestEngine(t)

	tests := []struct {
		name   string
		scores []uint32
		want   uint64
	}{
		{name: "two ratings", scores: []uint32{4, 5}, want: 9},
		{name: "with zero", scores: []uint32{0, 3}, want: 3},
		{name: "running sum", scores: []uint32{1, 2, 3, 4, 5}, want: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := enc.EncryptScore(tt.scores[0])
			require.NoError(t, err)

			for _, score := range tt.scores[1:] {
				next, err := enc.EncryptScore(score)
				require.NoError(t, err)

				sum, err = engine.Add(sum, next)
				require.NoError(t, err)
			}

			got, err := dec.DecryptUint64(sum)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTagsRoundTrip(t *testing.T) {
	_, enc, dec := newTestEngine(t)

	tests := []string{
		"",
		"Punctual",
		"Punctual,Friendly",
		"Sehr pünktlich & zuverlässig",
	}

	for _, tags := range tests {
		handle, err := enc.EncryptTags(tags)
		require.NoError(t, err)

		got, err := dec.DecryptTags(handle)
		require.NoError(t, err)
		require.Equal(t, tags, got)
	}
}

func TestTagsCapacity(t *testing.T) {
	engine, enc, _ := newTestEngine(t)

	_, err := enc.EncryptTags(strings.Repeat("a", engine.MaxTagBytes()))
	require.NoError(t, err)

	_, err = enc.EncryptTags(strings.Repeat("a", engine.MaxTagBytes()+1))
	require.Error(t, err)
}

func TestIsInitialized(t *testing.T) {
	engine, enc, _ := newTestEngine(t)

	require.False(t, engine.IsInitialized(nil))
	require.False(t, engine.IsInitialized([]byte{}))
	require.False(t, engine.IsInitialized([]byte("not a ciphertext")))

	handle, err := enc.EncryptScore(4)
	require.NoError(t, err)
	require.True(t, engine.IsInitialized(handle))
}

func TestAddRejectsBadHandles(t *testing.T) {
	engine, enc, _ := newTestEngine(t)

	handle, err := enc.EncryptScore(4)
	require.NoError(t, err)

	_, err = engine.Add(handle, nil)
	require.ErrorIs(t, err, ErrUninitializedHandle)

	_, err = engine.Add([]byte("garbage"), handle)
	require.ErrorIs(t, err, ErrUninitializedHandle)
}
