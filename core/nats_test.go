package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestParamsFromConfig(t *testing.T) {
	assert := assert.New(t)

	params := ParamsFromConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		ConnectTimeout: 15,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 3},
	})
	assert.Equal("nats://127.0.0.1:4222", params.ServerURI)
	assert.Equal(time.Second*15, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*3, params.ReconnectWait)
	assert.Nil(params.OnCloseCallback)
}

func TestNATSClientConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}

	closed := make(chan struct{})
	uut, err := GetNATSClient(NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second * 5,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnCloseCallback: func(_ *nats.Conn) {
			close(closed)
		},
	})
	assert.Nil(err)
	assert.True(uut.Connected())

	uut.Close(context.Background())
	select {
	case <-closed:
	case <-time.After(time.Second * 5):
		assert.Fail("close callback not triggered")
	}
	assert.False(uut.Connected())
}
