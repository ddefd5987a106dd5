package codec_test

import (
	"testing"

	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type velocity struct {
	VX float64 `json:"vx" msgpack:"vx"`
	VY float64 `json:"vy" msgpack:"vy"`
}

func TestByName(t *testing.T) {
	tests := []struct {
		name       string
		wantName   string
		wantBinary bool
		wantErr    bool
	}{
		{name: "", wantName: "json"},
		{name: "JSON", wantName: "json"},
		{name: "msgpack", wantName: "msgpack", wantBinary: true},
		{name: "protobuf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("codec "+tt.name, func(t *testing.T) {
			c, err := codec.ByName(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrUnknownCodec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name())
			assert.Equal(t, tt.wantBinary, c.Binary())
		})
	}
}

func TestForFrame_DecodesClientInput(t *testing.T) {
	var v velocity
	require.NoError(t, codec.ForFrame(false).Unmarshal([]byte(`{"vx":1.5,"vy":-2}`), &v))
	assert.Equal(t, velocity{VX: 1.5, VY: -2}, v)

	packed, err := codec.MsgPack{}.Marshal(velocity{VX: 3, VY: 4})
	require.NoError(t, err)

	var w velocity
	require.NoError(t, codec.ForFrame(true).Unmarshal(packed, &w))
	assert.Equal(t, velocity{VX: 3, VY: 4}, w)
}
