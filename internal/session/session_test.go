package session

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/transport"
	"github.com/taoyao-code/solix-gateway/internal/transport/memtransport"
)

type mockConn struct{ mock.Mock }

func (m *mockConn) Subscribe(_ context.Context, topics ...string) error {
	return m.Called(topics).Error(0)
}
func (m *mockConn) Unsubscribe(_ context.Context, topics ...string) error {
	return m.Called(topics).Error(0)
}
func (m *mockConn) Publish(_ context.Context, topic string, payload []byte) (transport.DeliveryResult, error) {
	ret := m.Called(topic, payload)
	return ret.Get(0).(transport.DeliveryResult), ret.Error(1)
}
func (m *mockConn) Messages() <-chan transport.Message { return nil }
func (m *mockConn) Lost() <-chan struct{}              { return nil }
func (m *mockConn) Err() error                         { return m.Called().Error(0) }
func (m *mockConn) Close() error                       { return m.Called().Error(0) }

type mockDialer struct{ conn transport.Conn }

func (d mockDialer) Dial(context.Context, transport.Credentials) (transport.Conn, error) {
	return d.conn, nil
}

var testDevices = []Device{
	{Serial: "SN1", ProductNumber: "A1782", Online: true},
	{Serial: "SN2", ProductNumber: "A1782"},
}

func TestConnectRejectsUnknownTrigger(t *testing.T) {
	_, err := Connect(context.Background(), memtransport.NewBroker(), Config{Devices: testDevices, Triggers: []string{"SN9"}})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestConnectFailure(t *testing.T) {
	b := memtransport.NewBroker()
	b.DialErr = errors.New("bad credentials")
	_, err := Connect(context.Background(), b, Config{Credentials: transport.Credentials{BrokerURL: "mem://x"}})
	var ce *transport.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "mem://x", ce.Broker)
}

func TestSubscribeIdempotent(t *testing.T) {
	conn := &mockConn{}
	conn.On("Subscribe", []string{"a", "b"}).Return(nil).Once()
	conn.On("Subscribe", []string{"c"}).Return(nil).Once()

	s, err := Connect(context.Background(), mockDialer{conn}, Config{})
	require.NoError(t, err)

	added, err := s.Subscribe(context.Background(), "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, added)

	added, err = s.Subscribe(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Empty(t, added)

	added, err = s.Subscribe(context.Background(), "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a", "b", "c"}, s.Subscriptions())

	conn.AssertExpectations(t)
}

func TestSubscribeFailureKeepsSet(t *testing.T) {
	conn := &mockConn{}
	conn.On("Subscribe", []string{"a"}).Return(&transport.ConnectionError{Op: "subscribe", Err: errors.New("denied")})

	s, err := Connect(context.Background(), mockDialer{conn}, Config{})
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "a")
	assert.Error(t, err)
	assert.Empty(t, s.Subscriptions())
}

func TestReleaseAndClose(t *testing.T) {
	conn := &mockConn{}
	conn.On("Subscribe", mock.Anything).Return(nil)
	conn.On("Unsubscribe", []string{"a"}).Return(nil).Once()
	conn.On("Unsubscribe", []string{"b"}).Return(nil).Once()
	conn.On("Err").Return(nil)
	conn.On("Close").Return(nil).Once()

	s, err := Connect(context.Background(), mockDialer{conn}, Config{})
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "a", "b")
	require.NoError(t, err)

	require.NoError(t, s.Release(context.Background(), "a", "zzz"))
	assert.Equal(t, []string{"b"}, s.Subscriptions())

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, s.Subscriptions())

	_, err = s.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Publish(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)

	conn.AssertExpectations(t)
}

func TestPublishFrame(t *testing.T) {
	b := memtransport.NewBroker()
	s, err := Connect(context.Background(), b, Config{
		Credentials: transport.Credentials{ClientID: "gw"},
		AccountID:   "acc",
		Devices:     testDevices,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	res, err := s.PublishFrame(context.Background(), "SN1", solix.RealtimeTrigger(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cmd/anker_power/A1782/SN1/req", res.Topic)

	pubs := b.Published()
	require.Len(t, pubs, 1)
	env, err := transport.DecodeEnvelope(pubs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "acc", env.Payload.AccountID)
	assert.Equal(t, "gw", env.Head.ClientID)
	assert.Equal(t, 1, env.Head.MsgSeq)

	f, err := solix.Decode(env.Payload.Data)
	require.NoError(t, err)
	assert.Equal(t, solix.MsgRealtimeTrigger, f.MessageType())

	_, err = s.PublishFrame(context.Background(), "SN9", solix.RealtimeTrigger(time.Minute))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSessionTriggersAndTopics(t *testing.T) {
	s, err := Connect(context.Background(), memtransport.NewBroker(), Config{Devices: testDevices, Triggers: []string{"SN1"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"SN1"}, s.Triggers().List())
	require.NoError(t, s.AddTrigger("SN2"))
	assert.ErrorIs(t, s.AddTrigger("SN9"), ErrUnknownDevice)
	assert.True(t, s.RemoveTrigger("SN1"))
	assert.Equal(t, []string{"SN2"}, s.Triggers().List())

	assert.Equal(t, []string{
		"dt/anker_power/A1782/SN1/#", "cmd/anker_power/A1782/SN1/res",
		"dt/anker_power/A1782/SN2/#", "cmd/anker_power/A1782/SN2/res",
	}, s.DeviceTopics())

	assert.True(t, s.AcquirePoll())
	assert.False(t, s.AcquirePoll())
	s.ReleasePoll()
	assert.True(t, s.AcquirePoll())
}

func TestPublishFrameDebugLog(t *testing.T) {
	tests := []struct {
		name  string
		level zapcore.Level
		want  int
	}{
		{"info级别不输出帧", zapcore.InfoLevel, 0},
		{"debug级别输出帧", zapcore.DebugLevel, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(tt.level)
			b := memtransport.NewBroker()
			s, err := Connect(context.Background(), b, Config{Devices: testDevices, Logger: zap.New(core)})
			require.NoError(t, err)
			defer s.Close(context.Background())

			_, err = s.PublishFrame(context.Background(), "SN1", solix.RealtimeTrigger(time.Minute))
			require.NoError(t, err)

			entries := logs.FilterMessage("frame published").All()
			require.Len(t, entries, tt.want)
			if tt.want == 0 {
				return
			}
			env, err := transport.DecodeEnvelope(b.Published()[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(env.Payload.Data), entries[0].ContextMap()["frame"])
		})
	}
}
