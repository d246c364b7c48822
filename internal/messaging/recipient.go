package messaging

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers written without an international prefix.
const DefaultRegion = "IT"

// NormalizeRecipient parses a phone number and returns it in E.164 form.
// Numbers without a leading + or 00 are read in region.
func NormalizeRecipient(raw, region string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	if raw == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidRecipient)
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q is not a valid number", ErrInvalidRecipient, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
