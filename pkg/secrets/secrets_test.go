package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := Key("unit-test-secret")

	enc, err := Encrypt("host=db user=etl password=s3cret", key)
	require.NoError(t, err)
	require.NotEmpty(t, enc)

	plain, err := Decrypt(enc, key)
	require.NoError(t, err)
	require.Equal(t, "host=db user=etl password=s3cret", plain)
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := Encrypt("credential", Key("key-one"))
	require.NoError(t, err)

	_, err = Decrypt(enc, Key("key-two"))
	require.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	_, err := Decrypt("not-hex", Key("key"))
	require.Error(t, err)

	_, err = Decrypt("abcd", Key("key"))
	require.Error(t, err)
}
