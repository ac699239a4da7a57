package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Fingerprint is a canonical digest of a charge request. Two fingerprints
// are equal iff every semantic field of the requests is equal.
type Fingerprint string

// FingerprintOf computes the fingerprint as a hex sha256 over the RFC 8785
// canonical JSON form of the request. Canonicalization makes the digest
// independent of field ordering and encoding quirks.
func FingerprintOf(req ChargeRequest) (Fingerprint, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}
