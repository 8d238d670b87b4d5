//go:build !zmq

package main

import (
	"time"

	"go.uber.org/zap"

	"bullywork/pkg/transport"
	"bullywork/pkg/transport/nng"
)

func newTransport(sendTimeout time.Duration, log *zap.Logger) transport.Transport {
	return nng.New(sendTimeout, log)
}
