package cr

import "io"

// Encryptor protects compressed artifacts at rest.
type Encryptor interface {
	// Setup creates the key material; passphrase protects the private key.
	Setup(passphrase string) error

	// EncryptWriter returns a writer that encrypts into w. Closing it
	// flushes the ciphertext but does not close w.
	EncryptWriter(w io.Writer) (io.WriteCloser, error)

	// Unlock opens the private key for decryption.
	Unlock(passphrase string) (Decrypter, error)

	IsConfigured() bool
}

// Decrypter reverses an Encryptor once the private key is unlocked.
type Decrypter interface {
	Decrypt(r io.Reader, w io.Writer) error
}
