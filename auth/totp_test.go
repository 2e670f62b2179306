package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoFactorCode(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want, err := totp.GenerateCode(testSecret, now)
	require.NoError(t, err)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"literal six", "123456", "123456", nil},
		{"literal eight", "12345678", "12345678", nil},
		{"secret", testSecret, want, nil},
		{"secret spaced lowercase", "jbsw y3dp ehpk 3pxp", want, nil},
		{"secret url encoded", "JBSWY3DP%20EHPK3PXP", want, nil},
		{"empty", "", "", ErrTwoFactorRequired},
		{"zero", "0", "", ErrTwoFactorRequired},
		{"garbage", "not-base32!!", "", ErrInvalidTwoFactorSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := TwoFactorCode(tt.in, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
