package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	type state struct {
		Count int `json:"count"`
	}

	c := For("json")
	require.NotNil(t, c)
	require.Equal(t, "json", c.Name())

	data, err := c.Marshal(state{Count: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"count":3}`, string(data))

	var out state
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, 3, out.Count)

	require.Nil(t, For("gob"))
}
