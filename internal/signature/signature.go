// Package signature authenticates payment-provider notifications.
//
// The provider signs its callbacks with an MD5 digest over a
// colon-joined string of the mandatory fields, the shared secret, and
// any custom "shp_" parameters sorted by name:
//
//	outSum:invId:secret[:shp_key=value]...
//
// The received signature is hex and compared case-insensitively.
// Verification never returns an error: a failure to verify is data, not
// an exception, and always fails closed.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
)

// CustomParamPrefix marks provider pass-through parameters that
// participate in the signature.
const CustomParamPrefix = "shp_"

// Verifier checks inbound notification signatures for one provider
// account. The shared secret is never logged.
type Verifier struct {
	secret string
	logger *slog.Logger
}

// NewVerifier creates a verifier with the provider's shared secret.
func NewVerifier(secret string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{secret: secret, logger: logger}
}

// Verify reports whether received is a valid signature over the
// notification fields. custom holds the provider pass-through params;
// keys without the shp_ prefix are ignored.
func (v *Verifier) Verify(outSum, invID string, custom map[string]string, received string) (ok bool) {
	// Fail closed no matter what goes wrong internally.
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("signature verification panicked, treating as invalid",
				"invoice_id", invID, "panic", r)
			ok = false
		}
	}()

	if received == "" {
		v.logger.Warn("signature missing", "invoice_id", invID)
		return false
	}

	calculated := digest(joinBase(outSum, invID, v.secret, custom))
	if !strings.EqualFold(calculated, received) {
		v.logger.Warn("signature mismatch",
			"invoice_id", invID,
			"out_sum", outSum,
			"calculated", calculated,
			"received", received,
		)
		return false
	}
	return true
}

// SignOutgoing builds the signature for an outbound payment link:
// merchantLogin:outSum:invId:secret with sorted custom params appended.
func (v *Verifier) SignOutgoing(merchantLogin, outSum, invID string, custom map[string]string) string {
	return digest(joinBase(merchantLogin+":"+outSum, invID, v.secret, custom))
}

func joinBase(head, invID, secret string, custom map[string]string) string {
	parts := []string{head, invID, secret}
	for _, k := range sortedCustomKeys(custom) {
		parts = append(parts, k+"="+custom[k])
	}
	return strings.Join(parts, ":")
}

// sortedCustomKeys orders params case-insensitively, the way the
// provider sorts them before hashing; byte order breaks ties so the
// result stays deterministic.
func sortedCustomKeys(custom map[string]string) []string {
	keys := make([]string, 0, len(custom))
	for k := range custom {
		if strings.HasPrefix(strings.ToLower(k), CustomParamPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if li != lj {
			return li < lj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func digest(base string) string {
	sum := md5.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}
