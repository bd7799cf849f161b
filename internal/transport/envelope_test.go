package transport

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	frame := []byte{0xff, 0x09, 0x0a, 0x00}
	data := base64.StdEncoding.EncodeToString(frame)

	tests := []struct {
		name     string
		input    string
		asString bool
		wantErr  error
	}{
		{
			name:  "对象形式",
			input: `{"head":{"cmd":17,"device_sn":"AZV123"},"payload":{"device_sn":"AZV123","data":"` + data + `"}}`,
		},
		{
			name:     "字符串形式",
			input:    `{"head":{"cmd":17},"payload":"{\"account_id\":\"acc\",\"data\":\"` + data + `\"}"}`,
			asString: true,
		},
		{name: "缺少data", input: `{"head":{},"payload":{"device_sn":"AZV123"}}`, wantErr: ErrNoData},
		{name: "缺少payload", input: `{"head":{}}`, wantErr: ErrNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, frame, env.Payload.Data)
			assert.Equal(t, tt.asString, env.PayloadAsString)
			assert.Equal(t, CommandHexData, env.Head.Cmd)
		})
	}

	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"payload":"{broken"}`))
	assert.Error(t, err)
}

func TestCommandEnvelopeRoundTrip(t *testing.T) {
	frame := []byte{0xff, 0x09, 0x1f, 0x00, 0x03, 0x00, 0x0f, 0x00, 0x57}
	to := CommandTarget{ProductNumber: "A1782", DeviceSerial: "AZV123", AccountID: "acc", ClientID: "gw-1"}

	env := NewCommandEnvelope(to, 3, frame)
	assert.NotEmpty(t, env.Head.SessionID)
	assert.NotEqual(t, env.Head.SessionID, NewCommandEnvelope(to, 3, frame).Head.SessionID)

	b, err := env.Marshal()
	require.NoError(t, err)

	got, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.True(t, got.PayloadAsString)
	assert.Equal(t, frame, got.Payload.Data)
	assert.Equal(t, "AZV123", got.Head.DeviceSN)
	assert.Equal(t, "A1782", got.Head.DevicePN)
	assert.Equal(t, 3, got.Head.MsgSeq)
	assert.Equal(t, "acc", got.Payload.AccountID)
}
