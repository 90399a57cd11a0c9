package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat(t *testing.T) {
	hb := Heartbeat()
	assert.True(t, hb.IsHeartbeat())
	assert.Equal(t, HeartbeatID, hb.RequestID)

	req := &Request{RequestID: "42"}
	assert.False(t, req.IsHeartbeat())
}

func TestRequestJSONShape(t *testing.T) {
	req := &Request{
		RequestID:      "id-1",
		ClassName:      "Calc",
		MethodName:     "Add",
		ParameterTypes: []string{"int", "int"},
		Parameters:     []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)},
		Version:        "1.0",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"requestId":"id-1","className":"Calc","methodName":"Add","parameterTypes":["int","int"],"parameters":[1,2],"version":"1.0"}`,
		string(data))
}

func TestResponseIsError(t *testing.T) {
	assert.False(t, (&Response{RequestID: "1", Result: json.RawMessage(`3`)}).IsError())
	assert.True(t, (&Response{RequestID: "1", Error: "boom"}).IsError())
}
