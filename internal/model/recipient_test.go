package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+254 700 000 001":  "+254700000001",
		"+254-700-000-001":  "+254700000001",
		"00254700000001":    "+254700000001",
		"(0700) 000.001":    "0700000001",
		"  +1 (555) 010-99": "+155501099",
		"abc":               "",
		"":                  "",
		"+":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestTemplateDataNamedFieldsWin(t *testing.T) {
	r := Recipient{
		Phone:     "+1000",
		FirstName: "Alice",
		Fields:    map[string]string{"first_name": "Ignored", "code": "X1"},
	}
	data := r.TemplateData()
	assert.Equal(t, "Alice", data["first_name"])
	assert.Equal(t, "X1", data["code"])
	assert.Equal(t, "+1000", data["phone"])
}

func TestPayloadRoundTripThroughSQLValue(t *testing.T) {
	v, err := Payload(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var p Payload
	require.NoError(t, p.Scan(`{"id":"M1","n":2}`))
	assert.Equal(t, "M1", p["id"])
	require.NoError(t, p.Scan(nil))
	assert.Empty(t, p)
	assert.Error(t, p.Scan(3.5))
}

func TestEntryCloneIsDeep(t *testing.T) {
	id := "M1"
	e := &DeliveryLogEntry{
		ProviderMessageID: &id,
		ProviderResponse:  Payload{"id": "M1"},
		Events:            []DeliveryEvent{{Status: StatusDelivered, Payload: Payload{"a": 1}}},
	}
	cp := e.Clone()
	*cp.ProviderMessageID = "M2"
	cp.ProviderResponse["id"] = "M2"
	cp.Events[0].Payload["a"] = 2

	assert.Equal(t, "M1", *e.ProviderMessageID)
	assert.Equal(t, "M1", e.ProviderResponse["id"])
	assert.Equal(t, 1, e.Events[0].Payload["a"])
	assert.Equal(t, "c1", (&DeliveryLogEntry{CampaignID: "c1"}).ScopeID())
	assert.Equal(t, "p1", (&DeliveryLogEntry{PreviewID: "p1"}).ScopeID())
}
