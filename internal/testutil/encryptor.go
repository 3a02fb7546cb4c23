package testutil

import (
	"cr-go/internal/cr"
	"cr-go/internal/encryption"
)

// NewTestEncryptor returns the keyless header-only encryptor.
func NewTestEncryptor() cr.Encryptor {
	return encryption.NewTestEncryptor()
}
