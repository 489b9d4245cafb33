package runner

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// encryptGPG seals a file to the recipient's armored public key and writes
// the ciphertext to dstPath.
func encryptGPG(publicKey, srcPath, dstPath string) error {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKey))
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	plain, err := openpgp.Encrypt(dst, ring, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	if _, err := io.Copy(plain, src); err != nil {
		plain.Close()
		return err
	}
	return plain.Close()
}
