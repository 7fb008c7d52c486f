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

package batch_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decoder/pkg/batch"
	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/resultstore"
)

const poisonToken = 99

var errPoison = errors.New("poisoned source")

type echoState struct {
	src []uint32
	pos int
}

// echoPredictor forces the source sequence. Sources containing poisonToken
// fail.
type echoPredictor struct{}

func (echoPredictor) Name() string        { return "echo" }
func (echoPredictor) EndTokenID() uint32  { return 0 }
func (echoPredictor) VocabularySize() int { return 100 }

func (echoPredictor) InitialState(_ context.Context, src []uint32) (predictor.State, error) {
	if slices.Contains(src, poisonToken) {
		return nil, errPoison
	}
	return echoState{src: src}, nil
}

func (echoPredictor) NextTokenDistribution(_ context.Context, st predictor.State) (predictor.Distribution, error) {
	s, _ := st.(echoState)
	if s.pos < len(s.src) {
		return predictor.Distribution{s.src[s.pos]: 0}, nil
	}
	return predictor.Distribution{0: 0}, nil
}

func (echoPredictor) Advance(_ context.Context, st predictor.State, _ uint32) (predictor.State, error) {
	s, _ := st.(echoState)
	return echoState{src: s.src, pos: s.pos + 1}, nil
}

type countingDecoder struct {
	decoding.Decoder
	calls atomic.Int32
}

func (d *countingDecoder) Decode(ctx context.Context, in decoding.Input) (*decoding.Result, error) {
	d.calls.Add(1)
	return d.Decoder.Decode(ctx, in)
}

// chanSink forwards deliveries to a channel.
type chanSink chan *batch.Response

func (s chanSink) Deliver(_ context.Context, _ string, resp *batch.Response) {
	s <- resp
}

func newPool(t *testing.T, store resultstore.Store, sink batch.Sink) (*batch.Pool, *countingDecoder) {
	t.Helper()

	cfg := decoding.DefaultConfig()
	cfg.Strategy = decoding.Greedy
	cfg.MaxLength = 10

	dec, err := decoding.NewDecoder(cfg, []predictor.Predictor{echoPredictor{}})
	require.NoError(t, err)
	counting := &countingDecoder{Decoder: dec}

	pool := batch.NewPool(&batch.Config{Concurrency: 3, Model: "echo"}, counting, cfg, store, sink)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	return pool, counting
}

func TestDecodeAll(t *testing.T) {
	pool, _ := newPool(t, nil, nil)

	inputs := []decoding.Input{
		{Source: []uint32{3, 4}},
		{Source: []uint32{7, poisonToken}},
		{Source: []uint32{5}},
		{},
	}
	results, errs := pool.DecodeAll(t.Context(), inputs)
	require.Len(t, results, len(inputs))
	require.Len(t, errs, len(inputs))

	require.NoError(t, errs[0])
	assert.Equal(t, []uint32{3, 4, 0}, results[0].Hypotheses[0].Tokens)

	assert.ErrorIs(t, errs[1], decoding.ErrPredictorFailure)
	assert.ErrorIs(t, errs[1], errPoison)
	assert.Nil(t, results[1])

	require.NoError(t, errs[2])
	assert.Equal(t, []uint32{5, 0}, results[2].Hypotheses[0].Tokens)

	require.NoError(t, errs[3])
	assert.Equal(t, []uint32{0}, results[3].Hypotheses[0].Tokens)
}

func TestDecodeAllUsesResultStore(t *testing.T) {
	store, err := resultstore.NewInMemoryStore(nil)
	require.NoError(t, err)
	pool, counting := newPool(t, store, nil)

	inputs := []decoding.Input{{Source: []uint32{1, 2}}, {Source: []uint32{2, 1}}, {Source: []uint32{poisonToken}}}

	first, errs := pool.DecodeAll(t.Context(), inputs)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Error(t, errs[2])
	assert.EqualValues(t, 3, counting.calls.Load())
	assert.Equal(t, 2, store.Len(), "failures are not stored")

	second, errs := pool.DecodeAll(t.Context(), inputs)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Error(t, errs[2])
	assert.EqualValues(t, 4, counting.calls.Load(), "only the failed input is decoded again")
	assert.Equal(t, first[:2], second[:2])
}

func TestDecodeAllCancelled(t *testing.T) {
	pool, counting := newPool(t, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, errs := pool.DecodeAll(ctx, []decoding.Input{{Source: []uint32{1}}, {Source: []uint32{2}}})
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.EqualValues(t, 0, counting.calls.Load())
}

func TestAddMessage(t *testing.T) {
	sink := make(chanSink, 4)
	pool, _ := newPool(t, nil, sink)

	encode := func(req batch.Request) []byte {
		payload, err := msgpack.Marshal(req)
		require.NoError(t, err)
		return payload
	}

	pool.AddMessage(t.Context(), &batch.Message{Topic: "decode@c1", ClientID: "c1", Payload: []byte{0xc1}})
	pool.AddMessage(t.Context(), &batch.Message{
		Topic: "decode@c1", ClientID: "c1", Seq: 1,
		Payload: encode(batch.Request{ID: "ok", Input: decoding.Input{Source: []uint32{8}}}),
	})
	pool.AddMessage(t.Context(), &batch.Message{
		Topic: "decode@c1", ClientID: "c1", Seq: 2,
		Payload: encode(batch.Request{ID: "bad", Input: decoding.Input{Source: []uint32{poisonToken}}}),
	})

	receive := func() *batch.Response {
		select {
		case resp := <-sink:
			return resp
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for response")
			return nil
		}
	}

	// Same client, same shard: responses arrive in order.
	ok := receive()
	assert.Equal(t, "ok", ok.ID)
	assert.Empty(t, ok.Error)
	require.NotNil(t, ok.Result)
	assert.Equal(t, []uint32{8, 0}, ok.Result.Hypotheses[0].Tokens)

	bad := receive()
	assert.Equal(t, "bad", bad.ID)
	assert.Contains(t, bad.Error, errPoison.Error())
	assert.Nil(t, bad.Result)

	select {
	case resp := <-sink:
		assert.Failf(t, "unexpected response", "%+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}
