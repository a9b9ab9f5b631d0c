package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer mints and verifies opaque download tokens. The gateway never
// serves files itself; the transport checks the token and streams the
// artifact.
type Signer struct {
	key []byte
}

// NewSigner builds a signer from the configured key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

func (s *Signer) token(jobID, filename string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(jobID + "/" + filename))
	return hex.EncodeToString(mac.Sum(nil))
}

// DownloadURL returns the signed path for a job artifact.
func (s *Signer) DownloadURL(jobID, filename string) string {
	return fmt.Sprintf("/exports/%s/%s?token=%s", jobID, filename, s.token(jobID, filename))
}

// Verify checks a presented token in constant time.
func (s *Signer) Verify(jobID, filename, token string) bool {
	want := s.token(jobID, filename)
	return hmac.Equal([]byte(want), []byte(token))
}
