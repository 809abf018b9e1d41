package logger

import "strings"

// RedactEmail masks the local part of an address, keeping at most two
// leading characters: "ada.l@example.com" becomes "ad***@example.com".
// Values that do not look like a single address are fully masked.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
