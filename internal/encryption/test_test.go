package encryption

import (
	"bytes"
	"testing"
)

func TestTestEncryptor(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	if err := e.Setup("any"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.setupCalled || !e.IsConfigured() {
		t.Error("TestEncryptor not configured after Setup")
	}

	input := []byte("hello world")
	var encrypted bytes.Buffer
	if err := Encrypt(e, bytes.NewReader(input), &encrypted); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !bytes.HasPrefix(encrypted.Bytes(), testHeader) {
		t.Errorf("output lacks header: %q", encrypted.Bytes())
	}

	d, err := e.Unlock("any")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var decrypted bytes.Buffer
	if err := d.Decrypt(&encrypted, &decrypted); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), input) {
		t.Errorf("round-trip = %q, want %q", decrypted.Bytes(), input)
	}
}

func TestTestDecrypter_RejectsPlaintext(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := (TestDecrypter{}).Decrypt(bytes.NewReader([]byte("plain text here")), &out); err == nil {
		t.Error("Decrypt() expected error for missing header")
	}
	if err := (TestDecrypter{}).Decrypt(bytes.NewReader([]byte("CR")), &out); err == nil {
		t.Error("Decrypt() expected error for short input")
	}
}
