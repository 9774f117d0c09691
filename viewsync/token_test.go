package viewsync

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		epoch int64
		seq   int64
	}{
		{"epoch start", 1, 0},
		{"mid stream", 1, 42},
		{"after reset", 7, 1000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := EncodeToken(tt.epoch, tt.seq)
			require.NotEmpty(t, token)

			epoch, seq, err := DecodeToken(token)
			require.NoError(t, err)
			require.Equal(t, tt.epoch, epoch)
			require.Equal(t, tt.seq, seq)
		})
	}
}

func TestTokenDistinctPositions(t *testing.T) {
	// The same seq under a different epoch is a different cursor.
	require.NotEqual(t, EncodeToken(1, 10), EncodeToken(2, 10))
	require.NotEqual(t, EncodeToken(1, 10), EncodeToken(1, 11))
}

func TestDecodeTokenInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"zero epoch", EncodeToken(0, 5)},
		{"negative seq", EncodeToken(1, -1)},
		{"tampered", EncodeToken(1, 5) + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeToken(tt.token)
			require.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}
