package encryption

import (
	"bytes"
	"fmt"
	"io"

	"keel-go/internal/keel"
)

var markerHeader = []byte("KEELENC\x00")

// MarkerEncryptor frames data with a fixed header instead of encrypting it.
// Sealed output differs from the plaintext, so hash checks that confuse the
// two fail loudly, yet no key material is needed. Selected by type "test".
type MarkerEncryptor struct{}

var _ keel.Encryptor = MarkerEncryptor{}

func (MarkerEncryptor) Setup(string) error { return nil }

func (MarkerEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(markerHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (MarkerEncryptor) Unlock(string) (keel.DecryptionContext, error) {
	return markerContext{}, nil
}

func (MarkerEncryptor) IsConfigured() bool { return true }

type markerContext struct{}

func (markerContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(markerHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, markerHeader) {
		return fmt.Errorf("missing encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
