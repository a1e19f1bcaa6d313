package es

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type amountChanged struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
}

type namedEvent struct{}

func (namedEvent) EventType() string { return "named.v1" }

func TestEventRegistry_Decode(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[amountChanged](r)

	ev, err := r.Decode(Envelope{Type: "amountChanged", Data: json.RawMessage(`{"amount":3,"currency":"EUR"}`)})
	require.NoError(t, err)
	require.Equal(t, &amountChanged{Amount: 3, Currency: "EUR"}, ev)

	_, err = r.Decode(Envelope{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = r.Decode(Envelope{Type: "amountChanged", Data: json.RawMessage(`{`)})
	require.ErrorIs(t, err, ErrSerialization)
}

func TestEventTypeOf(t *testing.T) {
	require.Equal(t, "amountChanged", EventTypeOf(&amountChanged{}))
	require.Equal(t, "amountChanged", EventTypeOf(amountChanged{}))
	require.Equal(t, "named.v1", EventTypeOf(namedEvent{}))
}

func TestEventRegistry_Upcast(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[amountChanged](r)

	// v1 stored cents under "value", v2 renamed it, v3 added a currency
	r.RegisterUpcaster("amountChanged", 1, func(data json.RawMessage) (json.RawMessage, error) {
		var v1 struct {
			Value int `json:"value"`
		}
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"amount": v1.Value})
	})
	r.RegisterUpcaster("amountChanged", 2, func(data json.RawMessage) (json.RawMessage, error) {
		var v2 map[string]any
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, err
		}
		v2["currency"] = "EUR"
		return json.Marshal(v2)
	})
	require.Equal(t, 3, r.SchemaVersion("amountChanged"))
	require.Equal(t, 1, r.SchemaVersion("unknown"))

	for _, env := range []Envelope{
		{Type: "amountChanged", Data: json.RawMessage(`{"value":7}`)},
		{Type: "amountChanged", SchemaVersion: 1, Data: json.RawMessage(`{"value":7}`)},
		{Type: "amountChanged", SchemaVersion: 2, Data: json.RawMessage(`{"amount":7}`)},
		{Type: "amountChanged", SchemaVersion: 3, Data: json.RawMessage(`{"amount":7,"currency":"EUR"}`)},
	} {
		ev, err := r.Decode(env)
		require.NoError(t, err)
		require.Equal(t, &amountChanged{Amount: 7, Currency: "EUR"}, ev)
	}

	envs, err := r.NewEnvelopes("a-1", DefaultIDGenerator(), &amountChanged{Amount: 1})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, 3, envs[0].SchemaVersion)
	require.Equal(t, "amountChanged", envs[0].Type)
}

func TestEventRegistry_UpcastFailure(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[amountChanged](r)
	r.RegisterUpcaster("amountChanged", 2, func(data json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	_, err := r.Decode(Envelope{Type: "amountChanged", SchemaVersion: 1})
	require.ErrorIs(t, err, ErrSerialization, "missing upcaster from schema 1")

	_, err = r.Decode(Envelope{Type: "amountChanged", SchemaVersion: 2})
	require.ErrorIs(t, err, ErrSerialization)
}
