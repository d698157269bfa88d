package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
)

func newDefaultValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(config.DefaultRules().EvidenceRequirements)
	require.NoError(t, err)
	return v
}

func moltbookPost() *contracts.Evidence {
	return &contracts.Evidence{
		Platform:           "moltbook",
		Timestamp:          time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		ActionType:         "post",
		ActionURL:          "https://moltbook.example/p/1",
		ContentHash:        "sha256:abcd",
		VerificationMethod: "api_confirmed",
	}
}

func TestValidate_Accepts(t *testing.T) {
	v := newDefaultValidator(t)
	res := v.Validate(moltbookPost(), "moltbook")
	assert.True(t, res.Valid, res.Error())
	assert.Empty(t, res.Errors)
}

func TestValidate_MissingFields(t *testing.T) {
	v := newDefaultValidator(t)
	e := moltbookPost()
	e.ActionURL = ""
	e.Timestamp = time.Time{}

	res := v.Validate(e, "moltbook")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "missing required field: timestamp")
	assert.Contains(t, res.Errors, "missing required field: action_url")
}

func TestValidate_UnknownPlatform(t *testing.T) {
	v := newDefaultValidator(t)
	res := v.Validate(moltbookPost(), "myspace")
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"unknown platform: myspace"}, res.Errors)
}

func TestValidate_ContentPolicy(t *testing.T) {
	v := newDefaultValidator(t)
	e := moltbookPost()
	e.ContentHash = "md5:abcd"

	res := v.Validate(e, "moltbook")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "content policy violated: content_hash_sha256")
}

func TestValidate_CustomPolicyOverNumericFields(t *testing.T) {
	v, err := NewValidator(map[string]config.PlatformRequirements{
		"clawstr": {
			RequiredFields: []string{"event_id"},
			ContentPolicies: []config.ContentPolicy{
				{Name: "long_enough", Expression: `has(evidence.content_length) && evidence.content_length >= 20`},
				{Name: "signed", Expression: `evidence.verification_method == "nostr_signature"`},
			},
		},
	})
	require.NoError(t, err)

	e := &contracts.Evidence{EventID: "ev1", ContentLength: 25, VerificationMethod: "nostr_signature"}
	assert.True(t, v.Validate(e, "CLAWSTR").Valid)

	e.ContentLength = 5
	res := v.Validate(e, "clawstr")
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"content policy violated: long_enough"}, res.Errors)

	// Missing map key fails closed rather than passing.
	e.VerificationMethod = ""
	e.ContentLength = 25
	res = v.Validate(e, "clawstr")
	assert.False(t, res.Valid)
}

func TestNewValidator_RejectsBadPolicy(t *testing.T) {
	_, err := NewValidator(map[string]config.PlatformRequirements{
		"x": {ContentPolicies: []config.ContentPolicy{{Name: "broken", Expression: "evidence.("}}},
	})
	assert.Error(t, err)

	_, err = NewValidator(map[string]config.PlatformRequirements{
		"x": {ContentPolicies: []config.ContentPolicy{{Name: "not_bool", Expression: `"yes"`}}},
	})
	assert.Error(t, err)
}

func TestValidate_NilItem(t *testing.T) {
	v := newDefaultValidator(t)
	assert.False(t, v.Validate(nil, "moltbook").Valid)
}
