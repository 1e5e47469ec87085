package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"plain bytes", "1024", 1024, false},
		{"plain large", "1073741824", 1073741824, false},
		{"bytes suffix", "512B", 512, false},

		// The property values the tool actually sees. Bare single
		// letters are binary, matching truncate(1): "1G" is exactly
		// one gibibyte.
		{"one gig bare", "1G", 1 << 30, false},
		{"one gig binary", "1Gi", 1024 * 1024 * 1024, false},
		{"two gig decimal", "2GB", 2 * 1000 * 1000 * 1000, false},
		{"half gig binary", "512Mi", 512 * 1024 * 1024, false},

		{"bare kilo", "4K", 4 * 1024, false},
		{"bare mega", "2M", 2 * 1024 * 1024, false},
		{"kibibytes", "4Ki", 4 * 1024, false},
		{"mebibytes", "100MiB", 100 * 1024 * 1024, false},
		{"tebibytes", "1TiB", 1024 * 1024 * 1024 * 1024, false},

		{"lowercase unit", "1g", 1 << 30, false},
		{"whitespace", "  1Gi  ", 1024 * 1024 * 1024, false},
		{"float", "1.5Gi", ByteSize(1.5 * 1024 * 1024 * 1024), false},

		{"empty", "", 0, true},
		{"unit only", "Gi", 0, true},
		{"bad unit", "1X", 0, true},
		{"negative", "-1G", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	t.Parallel()

	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("1Gi")))
	assert.Equal(t, GiB, b)

	assert.Error(t, b.UnmarshalText([]byte("nonsense")))
}

func TestString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.00GiB", GiB.String())
	assert.Equal(t, "512.00MiB", (512 * MiB).String())
	assert.Equal(t, "100B", ByteSize(100).String())
}
