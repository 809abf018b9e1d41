package domain

import "strings"

// BounceClass tags a transport-level failure as permanent or transient.
type BounceClass int

const (
	// BounceNone means the attempt did not fail at the transport.
	BounceNone BounceClass = iota
	// BounceHard is a permanent failure: never retried, counts toward
	// the campaign bounce rate.
	BounceHard
	// BounceSoft is a transient failure: retried with backoff, does not
	// count as a bounce on exhaustion.
	BounceSoft
)

func (b BounceClass) String() string {
	switch b {
	case BounceHard:
		return "hard"
	case BounceSoft:
		return "soft"
	default:
		return "none"
	}
}

var hardBounceMarkers = []string{
	"user unknown",
	"no such user",
	"invalid recipient",
	"recipient address rejected",
	"user not found",
	"domain not found",
	"no mx record",
	"domain does not exist",
}

var softBounceMarkers = []string{
	"mailbox full",
	"quota exceeded",
	"insufficient storage",
	"temporarily deferred",
	"try again later",
	"temporary failure",
	"rate limit",
	"too many emails",
	"sending quota",
}

// ClassifyBounce categorizes an SMTP error string by case-insensitive
// substring match. Unmatched errors default to soft so they stay eligible
// for retry.
func ClassifyBounce(errMsg string) BounceClass {
	if errMsg == "" {
		return BounceNone
	}
	lower := strings.ToLower(errMsg)
	for _, marker := range hardBounceMarkers {
		if strings.Contains(lower, marker) {
			return BounceHard
		}
	}
	for _, marker := range softBounceMarkers {
		if strings.Contains(lower, marker) {
			return BounceSoft
		}
	}
	return BounceSoft
}
