package uplink

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
)

const (
	DefaultTopic          = "v1/devices/me/telemetry"
	DefaultReconnectDelay = 100 * time.Millisecond
)

type SessionConfig struct {
	Topic string
	// ReconnectAlways=false reconnects only on credential change or lost connection.
	ReconnectAlways bool
	Retry           helpers.Retry
}

// Session keeps uplink connected with credential of current frame.
// Not safe for concurrent use, owned by aggregator loop.
type Session struct {
	log        *log2.Log
	client     Client
	c          SessionConfig
	credential string

	connects      atomic.Uint32
	connectErrors atomic.Uint32
	published     atomic.Uint32
	publishErrors atomic.Uint32
}

func NewSession(log *log2.Log, client Client, c SessionConfig) *Session {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = DefaultReconnectDelay
	}
	return &Session{log: log, client: client, c: c}
}

func (s *Session) Topic() string { return s.c.Topic }

// Ensure (re)connects with credential, blocking until connected.
// With unlimited retry only ctx cancel makes it return error.
func (s *Session) Ensure(ctx context.Context, credential string) error {
	if !s.c.ReconnectAlways && credential == s.credential && s.client.IsConnected() {
		return nil
	}
	s.client.Disconnect()
	s.credential = ""
	err := s.c.Retry.Do(ctx, func(attempt int) (bool, error) {
		err := s.client.Connect(ctx, credential)
		if err == nil {
			return true, nil
		}
		s.connectErrors.Add(1)
		if attempt == 1 || attempt%100 == 0 {
			s.log.Errorf("uplink connect credential=%s attempt=%d err=%v", Mask(credential), attempt, err)
		} else {
			s.log.Debugf("uplink connect credential=%s attempt=%d err=%v", Mask(credential), attempt, err)
		}
		return false, err
	})
	if err != nil {
		return errors.Annotatef(err, "uplink connect credential=%s", Mask(credential))
	}
	s.credential = credential
	s.connects.Add(1)
	s.log.Debugf("uplink connected credential=%s", Mask(credential))
	return nil
}

// Publish is best effort, error is logged and returned for accounting only.
func (s *Session) Publish(ctx context.Context, payload []byte) error {
	if err := s.client.Publish(ctx, s.c.Topic, payload); err != nil {
		s.publishErrors.Add(1)
		err = errors.Annotatef(err, "uplink publish topic=%s", s.c.Topic)
		s.log.Error(err)
		return err
	}
	s.published.Add(1)
	return nil
}

func (s *Session) Close() {
	s.client.Disconnect()
	s.credential = ""
}

type SessionStats struct {
	Connects, ConnectErrors, Published, PublishErrors uint32
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Connects:      s.connects.Load(),
		ConnectErrors: s.connectErrors.Load(),
		Published:     s.published.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
}
