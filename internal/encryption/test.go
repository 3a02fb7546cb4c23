package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"cr-go/internal/cr"
)

// testHeader marks output of TestEncryptor.
var testHeader = []byte("CRENC\x00\x00\x00")

// TestEncryptor prepends a fixed header instead of encrypting. Output differs
// from the plaintext, is deterministic, and needs no keys.
type TestEncryptor struct {
	setupCalled bool
}

var _ cr.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) EncryptWriter(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return nopCloser{w}, nil
}

func (e *TestEncryptor) Unlock(string) (cr.Decrypter, error) {
	return TestDecrypter{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// TestDecrypter strips the header written by TestEncryptor.
type TestDecrypter struct{}

func (TestDecrypter) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return errors.New("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
