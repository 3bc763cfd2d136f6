package channel

import "strings"

// MaskRecipient hides most of an address for logs and audit payloads.
//
//	john.doe@example.com -> jo***@example.com
//	ab@example.com       -> ***@example.com
//	+15551234567         -> +1***67
//	abc                  -> ***
func MaskRecipient(recipient string) string {
	if at := strings.Index(recipient, "@"); at > 2 {
		return recipient[:2] + "***" + recipient[at:]
	} else if at > 0 {
		return "***" + recipient[at:]
	}
	if len(recipient) > 4 {
		return recipient[:2] + "***" + recipient[len(recipient)-2:]
	}
	return "***"
}

var htmlMarkers = []string{"<html", "<body", "<p>", "<div"}

func isHTML(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range htmlMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
