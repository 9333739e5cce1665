// Package payment is the externally-reachable entry point for provider
// payment callbacks and outbound invoice creation.
package payment

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/genbot/starledger/internal/pricing"
)

var (
	ErrMalformedNotification = errors.New("malformed payment notification")
)

// Notification is a parsed provider payment callback.
type Notification struct {
	// OutSumRaw is the amount exactly as the provider sent it. The
	// signature is computed over this string, not a reformatted float.
	OutSumRaw string
	OutSum    pricing.USD
	InvID     string
	UserID    string
	Custom    map[string]string
	Signature string
}

// userIDParam is the custom field the bot attaches when creating the
// invoice, so the callback can be routed back to a user.
const userIDParam = "shp_user"

// ParseNotification extracts the typed fields from a form-encoded
// provider callback. Missing or non-numeric mandatory fields are
// rejected before any signature or ledger work happens.
func ParseNotification(form url.Values) (*Notification, error) {
	outSumRaw := form.Get("OutSum")
	if outSumRaw == "" {
		return nil, fmt.Errorf("%w: missing OutSum", ErrMalformedNotification)
	}
	outSum, err := strconv.ParseFloat(outSumRaw, 64)
	if err != nil || outSum < 0 {
		return nil, fmt.Errorf("%w: bad OutSum %q", ErrMalformedNotification, outSumRaw)
	}

	invID := form.Get("InvId")
	if invID == "" {
		return nil, fmt.Errorf("%w: missing InvId", ErrMalformedNotification)
	}

	custom := make(map[string]string)
	for key := range form {
		if strings.HasPrefix(strings.ToLower(key), "shp_") {
			custom[key] = form.Get(key)
		}
	}

	n := &Notification{
		OutSumRaw: outSumRaw,
		OutSum:    pricing.USD(outSum),
		InvID:     invID,
		UserID:    custom[userIDParam],
		Custom:    custom,
		Signature: form.Get("SignatureValue"),
	}
	if n.UserID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedNotification, userIDParam)
	}
	return n, nil
}
