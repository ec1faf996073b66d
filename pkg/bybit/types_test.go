package bybit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumDecodesStringsAndNumbers(t *testing.T) {
	var got struct {
		A num `json:"a"`
		B num `json:"b"`
		C num `json:"c"`
	}
	err := json.Unmarshal([]byte(`{"a":"123.45","b":67.8,"c":""}`), &got)
	require.NoError(t, err)
	assert.Equal(t, num(123.45), got.A)
	assert.Equal(t, num(67.8), got.B)
	assert.Equal(t, num(0), got.C)
}

func TestEnvelopeDecoding(t *testing.T) {
	raw := `{"retCode":10001,"retMsg":"params error","result":{},"time":1700000000000}`
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, 10001, env.RetCode)
	assert.Equal(t, "params error", env.RetMsg)
}
