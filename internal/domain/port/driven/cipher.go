package driven

// Cipher encrypts secrets at rest.
type Cipher interface {
	// Encrypt returns the encoded ciphertext of plaintext.
	Encrypt(plaintext string) (string, error)

	// Decrypt returns the plaintext of ciphertext. Input that is not valid
	// ciphertext is returned unchanged so legacy plaintext records keep working.
	Decrypt(ciphertext string) string
}
