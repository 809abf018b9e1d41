// Package ingest parses tabular recipient files into campaign recipients.
// The first row is the header; columns are matched case-insensitively
// against synonym sets after whitespace/dash/underscore normalization.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// CanonicalField is a normalized column role.
type CanonicalField string

const (
	FieldEmail     CanonicalField = "email"
	FieldFirstName CanonicalField = "first_name"
	FieldLastName  CanonicalField = "last_name"
	FieldCompany   CanonicalField = "company"
)

// columnAliases maps normalized header names to canonical fields. Headers
// are normalized by lowercasing and stripping spaces, dashes, and
// underscores before lookup.
var columnAliases = map[string]CanonicalField{
	"email":        FieldEmail,
	"emailaddress": FieldEmail,
	"mail":         FieldEmail,

	"firstname": FieldFirstName,
	"fname":     FieldFirstName,
	"givenname": FieldFirstName,
	"name":      FieldFirstName,

	"lastname":   FieldLastName,
	"lname":      FieldLastName,
	"surname":    FieldLastName,
	"familyname": FieldLastName,

	"company":      FieldCompany,
	"organization": FieldCompany,
	"org":          FieldCompany,
	"business":     FieldCompany,
	"employer":     FieldCompany,
}

// Summary reports what happened to the rows of one import.
type Summary struct {
	Imported    int   `json:"imported"`
	Duplicates  int   `json:"duplicates"`
	Invalid     int   `json:"invalid"`
	InvalidRows []int `json:"invalid_rows,omitempty"`
}

// normalizeHeader lowercases and strips whitespace, dashes, and
// underscores so "E-Mail", "e_mail", and "email" all match.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '_':
			return -1
		}
		return r
	}, h)
}

// ParseRecipients reads a CSV stream and returns the deduplicated
// recipient list plus an import summary. Rows without a syntactically
// valid email are dropped and counted; duplicate emails (lowercased) keep
// the first occurrence. Every unmapped non-empty column lands in the
// recipient's variable map under its raw header name.
func ParseRecipients(r io.Reader) ([]domain.CampaignRecipient, *Summary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	// Resolve each column to a canonical field (or keep its raw name for
	// the variable map). Only the first column claiming a canonical role
	// wins; later synonyms fall back to variables.
	roles := make([]CanonicalField, len(header))
	claimed := map[CanonicalField]bool{}
	for i, h := range header {
		if field, ok := columnAliases[normalizeHeader(h)]; ok && !claimed[field] {
			roles[i] = field
			claimed[field] = true
		}
	}
	if !claimed[FieldEmail] {
		return nil, nil, fmt.Errorf("no email column found in header")
	}

	summary := &Summary{}
	seen := map[string]bool{}
	var recipients []domain.CampaignRecipient

	for rowNum := 2; ; rowNum++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			summary.Invalid++
			summary.InvalidRows = append(summary.InvalidRows, rowNum)
			continue
		}

		rcpt := domain.CampaignRecipient{
			Variables: map[string]string{},
			Status:    domain.RecipientPending,
		}
		for i, val := range row {
			if i >= len(header) {
				break
			}
			val = strings.TrimSpace(val)
			switch roles[i] {
			case FieldEmail:
				rcpt.Email = domain.NormalizeEmail(val)
			case FieldFirstName:
				rcpt.FirstName = val
			case FieldLastName:
				rcpt.LastName = val
			case FieldCompany:
				if val != "" {
					rcpt.Variables["company"] = val
				}
			default:
				if val != "" && header[i] != "" {
					rcpt.Variables[header[i]] = val
				}
			}
		}

		if !domain.ValidEmail(rcpt.Email) {
			summary.Invalid++
			summary.InvalidRows = append(summary.InvalidRows, rowNum)
			continue
		}
		if seen[rcpt.Email] {
			summary.Duplicates++
			continue
		}
		seen[rcpt.Email] = true
		recipients = append(recipients, rcpt)
		summary.Imported++
	}

	return recipients, summary, nil
}
