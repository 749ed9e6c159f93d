package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	testCases := []struct {
		desc    string
		arg     string
		want    uint64
		wantErr bool
	}{
		{desc: "plain", arg: "1234", want: 1234},
		{desc: "bytes suffix", arg: "512B", want: 512},
		{desc: "si kilo", arg: "2k", want: 2000},
		{desc: "binary kibi", arg: "2Ki", want: 2048},
		{desc: "si mega", arg: "3M", want: 3000000},
		{desc: "binary mebi", arg: "3Mi", want: 3 * 1024 * 1024},
		{desc: "giga with B", arg: "1GiB", want: 1 << 30},
		{desc: "tera", arg: "2T", want: 2000000000000},
		{desc: "empty", arg: "", wantErr: true},
		{desc: "no number", arg: "Mi", wantErr: true},
		{desc: "bad multiplier", arg: "4x", wantErr: true},
		{desc: "lowercase ki invalid", arg: "4ki", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseBytes(tc.arg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAmount(t *testing.T) {
	var a Amount
	require.NoError(t, a.UnmarshalText([]byte("8%")))
	assert.Equal(t, AmountPercent, a.Type)
	assert.Equal(t, uint64(8000), a.Value)

	require.NoError(t, a.UnmarshalText([]byte("0.5%")))
	assert.Equal(t, AmountPercent, a.Type)
	assert.Equal(t, uint64(500), a.Value)

	require.NoError(t, a.UnmarshalText([]byte("16")))
	assert.Equal(t, AmountBlocks, a.Type)
	assert.Equal(t, uint64(16), a.Value)

	require.NoError(t, a.UnmarshalText([]byte("64KiB")))
	assert.Equal(t, AmountBytes, a.Type)
	assert.Equal(t, uint64(65536), a.Value)

	require.Error(t, a.UnmarshalText([]byte("x%")))
}
