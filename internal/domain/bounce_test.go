package domain

import "testing"

func TestClassifyBounce(t *testing.T) {
	cases := []struct {
		errMsg string
		want   BounceClass
	}{
		{"", BounceNone},
		{"550 User unknown", BounceHard},
		{"550 5.1.1 No Such User here", BounceHard},
		{"Invalid Recipient address", BounceHard},
		{"554 recipient address rejected: access denied", BounceHard},
		{"user not found in directory", BounceHard},
		{"DNS error: domain not found", BounceHard},
		{"no MX record for domain", BounceHard},
		{"552 Mailbox Full", BounceSoft},
		{"452 insufficient storage", BounceSoft},
		{"421 temporarily deferred, try again later", BounceSoft},
		{"rate limit exceeded for this hour", BounceSoft},
		{"you have hit your sending quota", BounceSoft},
		// Unmatched errors default to soft so they remain retryable.
		{"connection reset by peer", BounceSoft},
		{"i/o timeout", BounceSoft},
	}

	for _, tc := range cases {
		if got := ClassifyBounce(tc.errMsg); got != tc.want {
			t.Errorf("ClassifyBounce(%q) = %v, want %v", tc.errMsg, got, tc.want)
		}
	}
}

func TestBounceClassString(t *testing.T) {
	if BounceHard.String() != "hard" || BounceSoft.String() != "soft" || BounceNone.String() != "none" {
		t.Errorf("unexpected BounceClass string values")
	}
}
