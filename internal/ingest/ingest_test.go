package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipientsBasic(t *testing.T) {
	csvData := `Email,First-Name,Surname,Company,Plan
a@x.com,Ada,Lovelace,X,pro
b@y.com,Ben,,Y,free
`
	recipients, summary, err := ParseRecipients(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, 2, summary.Imported)
	assert.Equal(t, 0, summary.Invalid)

	ada := recipients[0]
	assert.Equal(t, "a@x.com", ada.Email)
	assert.Equal(t, "Ada", ada.FirstName)
	assert.Equal(t, "Lovelace", ada.LastName)
	assert.Equal(t, "X", ada.Variables["company"])
	// Unmapped columns land in the variable map under the raw header.
	assert.Equal(t, "pro", ada.Variables["Plan"])
}

func TestParseRecipientsHeaderSynonyms(t *testing.T) {
	csvData := "E-MAIL,fname,family_name\nc@z.com,Cleo,Zed\n"
	recipients, _, err := ParseRecipients(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "c@z.com", recipients[0].Email)
	assert.Equal(t, "Cleo", recipients[0].FirstName)
	assert.Equal(t, "Zed", recipients[0].LastName)
}

func TestParseRecipientsDeduplication(t *testing.T) {
	csvData := `email,firstname
a@x.com,First
A@X.COM,SecondSameAddress
b@y.com,Other
`
	recipients, summary, err := ParseRecipients(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	// First occurrence wins.
	assert.Equal(t, "First", recipients[0].FirstName)
	assert.Equal(t, 1, summary.Duplicates)
}

func TestParseRecipientsInvalidEmails(t *testing.T) {
	csvData := `email,name
not-an-email,Bad
,Empty
ok@x.com,Good
`
	recipients, summary, err := ParseRecipients(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "ok@x.com", recipients[0].Email)
	assert.Equal(t, 2, summary.Invalid)
	assert.Equal(t, []int{2, 3}, summary.InvalidRows)
}

func TestParseRecipientsNoEmailColumn(t *testing.T) {
	_, _, err := ParseRecipients(strings.NewReader("name,company\nAda,X\n"))
	assert.Error(t, err)
}

func TestParseRecipientsEmptyFile(t *testing.T) {
	_, _, err := ParseRecipients(strings.NewReader(""))
	assert.Error(t, err)
}
