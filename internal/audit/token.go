package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Fingerprint derives a stable request identity from the raw inputs using
// length framing, so ("ab","c") and ("a","bc") fingerprint differently.
func Fingerprint(userInput string, chunks []string) string {
	h := sha256.New()
	writeFramed(h, userInput)
	for _, c := range chunks {
		writeFramed(h, c)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeFramed(h io.Writer, s string) {
	var frame [8]byte
	binary.BigEndian.PutUint64(frame[:], uint64(len(s)))
	h.Write(frame[:])
	h.Write([]byte(s))
}

// Token computes the deterministic audit token for a decision: an
// HMAC-SHA256 over the request fingerprint, rule set version, matched rule
// id (or "-"), and the truncated match span hash. The token correlates a
// decision with its rule and snapshot without exposing matched content, and
// is identical for identical requests against the same snapshot.
func Token(secret []byte, fingerprint, ruleSetVersion, ruleID, spanHash string) string {
	if ruleID == "" {
		ruleID = "-"
	}
	if len(spanHash) > 16 {
		spanHash = spanHash[:16]
	}
	if spanHash == "" {
		spanHash = "-"
	}
	msg := fingerprint + "|" + ruleSetVersion + "|" + ruleID + "|" + spanHash
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:24])
}
