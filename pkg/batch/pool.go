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
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/resultstore"
	"github.com/llm-d/llm-d-decoder/pkg/utils/logging"
)

// Config holds the configuration for the decoding pool.
type Config struct {
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
	// Model identifies the predictor ensemble in result store keys.
	Model string `json:"model"`
	// ZMQEndpoint is the ZMQ address the request subscriber binds to
	// (e.g., "tcp://*:5557"). Empty disables the subscriber.
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter.
	TopicFilter string `json:"topicFilter"`
}

// DefaultConfig returns a default configuration for the decoding pool.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 4,
		Model:       "default",
		TopicFilter: requestTopicPrefix,
	}
}

// Request is a decode request received over ZMQ.
type Request struct {
	ID    string         `msgpack:"id"`
	Input decoding.Input `msgpack:"input"`
}

// Response is the reply to a Request.
type Response struct {
	ID     string           `msgpack:"id"`
	Result *decoding.Result `msgpack:"result,omitempty"`
	Error  string           `msgpack:"error,omitempty"`
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number of the message.
	Seq uint64
	// ClientID identifies the sender, extracted from the topic.
	ClientID string
}

// Sink receives the outcome of asynchronously submitted requests.
type Sink interface {
	Deliver(ctx context.Context, clientID string, resp *Response)
}

// task is a single queued decode. done is called exactly once.
type task struct {
	ctx   context.Context
	shard string
	input decoding.Input
	done  func(res *decoding.Result, err error)
}

// Pool is a sharded worker pool that runs decodes. Requests with the same
// shard key are processed in submission order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*task]
	concurrency int
	decoder     decoding.Decoder
	decoderCfg  *decoding.Config
	model       string
	store       resultstore.Store
	sink        Sink
	subscriber  *zmqSubscriber
	wg          sync.WaitGroup
}

// NewPool creates a Pool running decoder, which was built from decoderCfg.
// The store and the sink are optional.
func NewPool(cfg *Config, decoder decoding.Decoder, decoderCfg *decoding.Config,
	store resultstore.Store, sink Sink,
) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	concurrency := max(cfg.Concurrency, 1)

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*task], concurrency),
		concurrency: concurrency,
		decoder:     decoder,
		decoderCfg:  decoderCfg,
		model:       cfg.Model,
		store:       store,
		sink:        sink,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*task]())
	}

	if cfg.ZMQEndpoint != "" {
		p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	}
	return p
}

// Start begins the worker pool and the ZMQ subscriber, if configured.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded decoding pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}

	if p.subscriber != nil {
		go p.subscriber.Start(ctx)
	}
}

// Shutdown stops the pool after the queued decodes are done.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down decoding pool...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}

	p.wg.Wait()
	logger.Info("decoding pool shut down.")
}

// DecodeAll decodes every input on the pool and waits for all of them.
// results[i] and errs[i] belong to inputs[i]; partial results come with a
// non-nil error. The pool must have been started.
func (p *Pool) DecodeAll(ctx context.Context, inputs []decoding.Input) ([]*decoding.Result, []error) {
	results := make([]*decoding.Result, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for i, in := range inputs {
		p.enqueue(&task{
			ctx:   ctx,
			shard: strconv.Itoa(i),
			input: in,
			done: func(res *decoding.Result, err error) {
				results[i], errs[i] = res, err
				wg.Done()
			},
		})
	}
	wg.Wait()

	return results, errs
}

// AddMessage is called by the subscriber to queue a msgpack-encoded
// Request. Messages of the same client are decoded in order and answered
// through the sink.
func (p *Pool) AddMessage(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	var req Request
	if err := msgpack.Unmarshal(msg.Payload, &req); err != nil {
		// A poison pill cannot be answered since its id is unknown.
		debugLogger.Error(err, "Failed to unmarshal decode request, dropping message",
			"topic", msg.Topic, "seq", msg.Seq)
		return
	}

	clientID := msg.ClientID
	p.enqueue(&task{
		ctx:   ctx,
		shard: clientID,
		input: req.Input,
		done: func(res *decoding.Result, err error) {
			if p.sink == nil {
				return
			}
			resp := &Response{ID: req.ID, Result: res}
			if err != nil {
				resp.Error = err.Error()
			}
			p.sink.Deliver(ctx, clientID, resp)
		},
	})
}

// enqueue hashes the shard key to select a queue.
func (p *Pool) enqueue(t *task) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.shard))

	//nolint:gosec // concurrency is small
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(t)
}

// worker is the processing loop for a single worker goroutine. It runs
// until its queue is shut down so that every queued task is answered.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		t, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(t *task) {
			defer queue.Done(t)
			res, err := p.process(ctx, t)
			t.done(res, err)
			queue.Forget(t)
		}(t)
	}
}

// process runs a single decode, consulting the result store first.
func (p *Pool) process(ctx context.Context, t *task) (*decoding.Result, error) {
	taskCtx := t.ctx
	if taskCtx == nil {
		taskCtx = ctx
	}
	if err := taskCtx.Err(); err != nil {
		return nil, err
	}

	debugLogger := klog.FromContext(taskCtx).V(logging.DEBUG).WithName("batch.Pool")

	key, cacheable := p.storeKey(taskCtx, t.input)
	if cacheable {
		res, found, err := p.store.Get(taskCtx, key)
		switch {
		case err != nil:
			debugLogger.Error(err, "Failed to look up result store", "key", key)
		case found:
			debugLogger.Info("Result store hit", "key", key)
			return res, nil
		}
	}

	res, err := p.decoder.Decode(taskCtx, t.input)
	if err != nil {
		if !errors.Is(err, decoding.ErrPartialResult) {
			debugLogger.Error(err, "Decode failed", "shard", t.shard)
		}
		return res, fmt.Errorf("decode failed: %w", err)
	}

	if cacheable {
		if err := p.store.Put(taskCtx, key, res); err != nil {
			debugLogger.Error(err, "Failed to store result", "key", key)
		}
	}
	return res, nil
}

func (p *Pool) storeKey(ctx context.Context, in decoding.Input) (resultstore.Key, bool) {
	if p.store == nil {
		return "", false
	}
	key, err := resultstore.KeyFor(p.model, p.decoderCfg, in)
	if err != nil {
		klog.FromContext(ctx).V(logging.TRACE).Info("Skipping result store", "reason", err)
		return "", false
	}
	return key, true
}
