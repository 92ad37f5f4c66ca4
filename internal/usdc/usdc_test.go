package usdc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1.00", 1_000_000},
		{"0.50", 500_000},
		{"1000", 1_000_000_000},
		{"0.000001", 1},
		{"1.5", 1_500_000},
		{".25", 250_000},
		{"007.50", 7_500_000},
		{"1.1234567890", 1_123_456},
		{" 12 ", 12_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", "1e6", "1,000"} {
		_, ok := Parse(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "1000.000000", Format(FromWhole(1000)))
	assert.Equal(t, "-1.500000", Format(big.NewInt(-1_500_000)))
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.500000", "2500.000001"} {
		v := MustParse(s)
		assert.Equal(t, s, Format(v))
	}
}

func TestBps(t *testing.T) {
	assert.Equal(t, "50.000000", Format(Bps(FromWhole(1000), 500)))
	assert.Equal(t, "0.000000", Format(Bps(big.NewInt(19), 500)))
	assert.Equal(t, int64(0), Bps(nil, 500).Int64())
}

func TestWhole(t *testing.T) {
	assert.Equal(t, int64(2500), Whole(MustParse("2500.999999")).Int64())
	assert.Equal(t, int64(0), Whole(nil).Int64())
}

func TestSum(t *testing.T) {
	got := Sum(FromWhole(1000), FromWhole(50), nil, FromWhole(50))
	assert.Equal(t, "1100.000000", Format(got))
}

func TestWithinEpsilon(t *testing.T) {
	eps := MustParse("0.01")
	assert.True(t, WithinEpsilon(MustParse("100"), MustParse("100.009999"), eps))
	assert.False(t, WithinEpsilon(MustParse("100"), MustParse("100.01"), eps))
	assert.False(t, WithinEpsilon(nil, MustParse("1"), eps))
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("bad") })
}
