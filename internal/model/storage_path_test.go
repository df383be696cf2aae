package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestParseStoragePath(t *testing.T) {
	tests := []struct {
		name  string
		raw   *string
		state PathState
		value string
	}{
		{"nil", nil, PathUnclaimed, ""},
		{"empty", strPtr(""), PathUnclaimed, ""},
		{"claim", strPtr("processing:abc-123"), PathClaimed, "abc-123"},
		{"final", strPtr("2025/01/02/call-1.mp3"), PathFinalized, "2025/01/02/call-1.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseStoragePath(tt.raw)
			assert.Equal(t, tt.state, p.State())
			switch tt.state {
			case PathClaimed:
				token, ok := p.Token()
				require.True(t, ok)
				assert.Equal(t, tt.value, token)
				_, ok = p.Path()
				assert.False(t, ok)
			case PathFinalized:
				path, ok := p.Path()
				require.True(t, ok)
				assert.Equal(t, tt.value, path)
				_, ok = p.Token()
				assert.False(t, ok)
			default:
				assert.Nil(t, p.Column())
			}
		})
	}
}

func TestStoragePathColumnRoundTrip(t *testing.T) {
	for _, p := range []StoragePath{Unclaimed(), Claimed("tok"), Finalized("2024/12/13/x.mp3")} {
		assert.Equal(t, p, ParseStoragePath(p.Column()), p.String())
	}
}

func TestClaimedColumnCarriesPrefix(t *testing.T) {
	col := Claimed("tok").Column()
	require.NotNil(t, col)
	assert.Equal(t, "processing:tok", *col)
	assert.Equal(t, "<null>", Unclaimed().String())
}

func TestCallStatusValid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.True(t, StatusSafe.Valid())
	assert.False(t, CallStatus("skipped").Valid())
}

func TestCallHasAudio(t *testing.T) {
	c := &Call{}
	assert.False(t, c.HasAudio())
	c.AudioURL = strPtr("")
	assert.False(t, c.HasAudio())
	c.AudioURL = strPtr("https://media.example.com/rec.mp3")
	assert.True(t, c.HasAudio())
}
