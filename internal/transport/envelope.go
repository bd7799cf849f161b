package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoData 消息体中没有设备数据
var ErrNoData = errors.New("envelope has no payload data")

// CommandHexData 下发十六进制帧的命令码
const CommandHexData = 17

// EnvelopeVersion 消息头版本
const EnvelopeVersion = "1.0.0.1"

// Head 消息头
type Head struct {
	Version   string `json:"version,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"sess_id,omitempty"`
	MsgSeq    int    `json:"msg_seq,omitempty"`
	Seed      int    `json:"seed,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Cmd       int    `json:"cmd,omitempty"`
	CmdStatus int    `json:"cmd_status,omitempty"`
	SignCode  int    `json:"sign_code,omitempty"`
	DevicePN  string `json:"device_pn,omitempty"`
	DeviceSN  string `json:"device_sn,omitempty"`
}

// Payload 消息体，Data 为 base64 编码的设备帧
type Payload struct {
	AccountID string `json:"account_id,omitempty"`
	DeviceSN  string `json:"device_sn,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Envelope broker 消息信封
// payload 在线上可能是对象，也可能是 JSON 字符串；PayloadAsString 记录原始形式
type Envelope struct {
	Head            Head
	Payload         Payload
	PayloadAsString bool
}

type wireEnvelope struct {
	Head    Head            `json:"head"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope 解析信封并取出设备帧
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env := &Envelope{Head: w.Head}
	raw := bytes.TrimSpace(w.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrNoData
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode envelope payload string: %w", err)
		}
		raw = []byte(s)
		env.PayloadAsString = true
	}
	if err := json.Unmarshal(raw, &env.Payload); err != nil {
		return nil, fmt.Errorf("decode envelope payload: %w", err)
	}
	if len(env.Payload.Data) == 0 {
		return nil, ErrNoData
	}
	return env, nil
}

// Marshal 编码信封
func (e *Envelope) Marshal() ([]byte, error) {
	p, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope payload: %w", err)
	}
	if e.PayloadAsString {
		if p, err = json.Marshal(string(p)); err != nil {
			return nil, fmt.Errorf("encode envelope payload string: %w", err)
		}
	}
	return json.Marshal(wireEnvelope{Head: e.Head, Payload: p})
}

// CommandTarget 命令发送目标
type CommandTarget struct {
	ProductNumber string
	DeviceSerial  string
	AccountID     string
	ClientID      string
}

// NewCommandEnvelope 构造下发设备帧的信封，每次生成新的会话ID
func NewCommandEnvelope(to CommandTarget, seq int, frame []byte) *Envelope {
	return &Envelope{
		Head: Head{
			Version:   EnvelopeVersion,
			ClientID:  to.ClientID,
			SessionID: uuid.NewString(),
			MsgSeq:    seq,
			Seed:      1,
			Timestamp: time.Now().Unix(),
			Cmd:       CommandHexData,
			CmdStatus: 2,
			SignCode:  1,
			DevicePN:  to.ProductNumber,
			DeviceSN:  to.DeviceSerial,
		},
		Payload: Payload{
			AccountID: to.AccountID,
			DeviceSN:  to.DeviceSerial,
			Data:      append([]byte(nil), frame...),
		},
		PayloadAsString: true,
	}
}
