package rpc

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    btcutil.Amount
		wantErr bool
	}{
		{"1", 100_000_000, false},
		{"0.0005", 50_000, false},
		{"0.00000001", 1, false},
		{"21000000", btcutil.MaxSatoshi, false},
		{"0", 0, true},
		{"-0.1", 0, true},
		{"0.000000001", 0, true},
		{"21000000.00000001", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "0.00045000", FormatAmount(45_000))
	require.Equal(t, "0.00000000", FormatAmount(0))
	require.Equal(t, "-0.00000001", FormatAmount(-1))
	require.Equal(t, "21000000.00000000", FormatAmount(btcutil.MaxSatoshi))
}

// FuzzParseAmount checks that every accepted amount formats back to the
// same value.
func FuzzParseAmount(f *testing.F) {
	f.Add("0.0005")
	f.Add("1e-8")
	f.Add("00001.10000000")
	f.Fuzz(func(t *testing.T, s string) {
		a, err := ParseAmount(s)
		if err != nil {
			return
		}
		if a <= 0 || a > btcutil.MaxSatoshi {
			t.Fatalf("ParseAmount(%q) = %d out of range", s, a)
		}
		back, err := ParseAmount(FormatAmount(a))
		if err != nil || back != a {
			t.Fatalf("round trip of %q: %d, %v", s, back, err)
		}
	})
}
