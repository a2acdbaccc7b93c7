package proto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundJobValidate(t *testing.T) {
	job := NewInboundJob("tenant-1", "inst-1", "5511999990000@s.whatsapp.net", "oi")
	require.NoError(t, job.Validate())

	missing := *job
	missing.TenantID = ""
	assert.Error(t, missing.Validate())

	missing = *job
	missing.SenderAddress = ""
	assert.Error(t, missing.Validate())

	missing = *job
	missing.Timestamp = time.Time{}
	assert.Error(t, missing.Validate())
}

func TestCanonicalContact(t *testing.T) {
	cases := map[string]string{
		"5511999990000@s.whatsapp.net":    "5511999990000",
		"5511999990000:12@s.whatsapp.net": "5511999990000",
		"5511999990000":                   "5511999990000",
		" 5511999990000 ":                 "5511999990000",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalContact(in), "address %q", in)
	}
}

func TestJobRoundTrip(t *testing.T) {
	job := NewInboundJob("tenant-1", "inst-1", "5511999990000@s.whatsapp.net", "qual o horário?")
	job.PushName = "Maria"
	job.MessageID = "wamid.123"

	data, err := job.ToJSON()
	require.NoError(t, err)

	got, err := JobFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.PushName, got.PushName)
	assert.Equal(t, "5511999990000", got.ContactID())
}

func TestOutcomeClassification(t *testing.T) {
	base := errors.New("boom")

	assert.False(t, IsFatal(Retryable(base)))
	assert.True(t, IsFatal(Fatal(base)))

	// Unclassified errors default to retryable.
	assert.False(t, IsFatal(base))

	// The class survives wrapping.
	wrapped := errors.New("outer")
	assert.True(t, IsFatal(Fatal(wrapped)))
	assert.ErrorIs(t, Retryable(base), base)

	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Fatal(nil))
}

func TestDisconnectCauseRetryable(t *testing.T) {
	assert.True(t, CauseNetwork.Retryable())
	assert.True(t, CauseStreamError.Retryable())
	assert.False(t, CauseLoggedOut.Retryable())
	assert.False(t, CauseSessionReplaced.Retryable())
	assert.False(t, CauseManual.Retryable())
}
