//go:build zmq

package main

import (
	"time"

	"go.uber.org/zap"

	"bullywork/pkg/transport"
	"bullywork/pkg/transport/zmq"
)

func newTransport(_ time.Duration, log *zap.Logger) transport.Transport {
	return zmq.New(log)
}
