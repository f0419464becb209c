package cryptoutil

import "encoding/hex"

// HMACSigner is the default Signer: HMAC-SHA256 over a derived key. It is
// cheap enough to run on every ledger append and cache write, which the
// spec's suspension-point model (§5) assumes is acceptable latency.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner derives a purpose-scoped signing key from rootSecret.
func NewHMACSigner(rootSecret []byte, purpose string) (*HMACSigner, error) {
	key, err := DeriveKey(rootSecret, []byte(purpose), "qflow-signer", 32)
	if err != nil {
		return nil, err
	}
	return &HMACSigner{key: key}, nil
}

// Sign returns a hex-encoded HMAC-SHA256 signature over data.
func (s *HMACSigner) Sign(data []byte) (string, error) {
	return hex.EncodeToString(HMACSign(s.key, data)), nil
}

// Verify reports whether signature is valid for data.
func (s *HMACSigner) Verify(data []byte, signature string) bool {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return HMACVerify(s.key, data, raw)
}
