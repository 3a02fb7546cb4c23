package encryption

import (
	"fmt"
	"io"

	"cr-go/internal/cr"
)

// Encrypt copies r through enc into w.
func Encrypt(enc cr.Encryptor, r io.Reader, w io.Writer) error {
	ew, err := enc.EncryptWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(ew, r); err != nil {
		ew.Close()
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}
