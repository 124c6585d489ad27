package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "exchange", AccountName: "u1"})
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	require.True(t, Verify(key.Secret(), code))
	require.False(t, Verify(key.Secret(), "000000"))
	require.False(t, Verify("", code))
	require.False(t, Verify(key.Secret(), ""))
}
