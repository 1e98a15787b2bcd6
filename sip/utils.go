package sip

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const randCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandStringBytesMask appends n cryptographically random characters from
// randCharset to sb. Used for branch and tag generation, where
// predictability would let an attacker forge transaction/dialog identity.
func RandStringBytesMask(sb *strings.Builder, n int) {
	max := big.NewInt(int64(len(randCharset)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is unrecoverable entropy starvation;
			// fall back to a fixed character rather than panic.
			sb.WriteByte(randCharset[0])
			continue
		}
		sb.WriteByte(randCharset[idx.Int64()])
	}
}
