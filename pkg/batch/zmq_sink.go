/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// ZMQSink publishes responses on a ZMQ PUB socket as
// [result@<client-id>, seq, msgpack(Response)].
type ZMQSink struct {
	mu  sync.Mutex
	pub *zmq.Socket
	seq uint64
}

var _ Sink = &ZMQSink{}

// NewZMQSink connects a PUB socket to endpoint.
func NewZMQSink(endpoint string) (*ZMQSink, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}
	if err := pub.Connect(endpoint); err != nil {
		pub.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", endpoint, err)
	}
	return &ZMQSink{pub: pub}, nil
}

// Deliver implements Sink.
func (s *ZMQSink) Deliver(ctx context.Context, clientID string, resp *Response) {
	logger := klog.FromContext(ctx).WithName("zmq-sink")

	payload, err := msgpack.Marshal(resp)
	if err != nil {
		logger.Error(err, "Failed to marshal response", "id", resp.ID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, s.seq)

	if _, err := s.pub.SendMessage(responseTopicPrefix+clientID, seq, payload); err != nil {
		logger.Error(err, "Failed to publish response", "id", resp.ID)
	}
}

// Close closes the socket.
func (s *ZMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub.Close()
}
