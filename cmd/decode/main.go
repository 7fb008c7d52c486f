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

// Command decode runs a decoding strategy over an n-gram ensemble.
//
// Inputs are read from stdin, one per line, either as space-separated token
// ids or as text tokenized with a HuggingFace tokenizer. A line of the form
// "source ||| target" supplies a target for reference scoring. With
// ZMQ_ENDPOINT set the command serves msgpack requests instead.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder/pkg/batch"
	"github.com/llm-d/llm-d-decoder/pkg/decoding"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/metrics"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/output"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/predictor"
	"github.com/llm-d/llm-d-decoder/pkg/decoding/resultstore"
	"github.com/llm-d/llm-d-decoder/pkg/tokenization"
	"github.com/llm-d/llm-d-decoder/pkg/utils"
)

const (
	envDecoderConfig   = "DECODER_CONFIG"
	envNgramModels     = "NGRAM_MODELS"
	envStrategy        = "STRATEGY"
	envNBest           = "NBEST"
	envBeamWidth       = "BEAM_WIDTH"
	envMaxLength       = "MAX_LENGTH"
	envSeed            = "SEED"
	envPoolConcurrency = "POOL_CONCURRENCY"

	envInputFormat  = "INPUT_FORMAT"
	envOutputFormat = "OUTPUT_FORMAT"
	envModelName    = "MODEL_NAME"
	envHFToken      = "HF_TOKEN"

	envRedisAddr       = "REDIS_ADDR"
	envResultStoreSize = "RESULT_STORE_SIZE"

	envZMQEndpoint         = "ZMQ_ENDPOINT"
	envZMQTopic            = "ZMQ_TOPIC"
	envZMQResponseEndpoint = "ZMQ_RESPONSE_ENDPOINT"

	envMetricsInterval = "METRICS_LOGGING_INTERVAL"

	defaultConcurrency = 4
	targetSeparator    = "|||"
	maxPosteriorOrder  = 4
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error(err, "Failed to run decoder")
		os.Exit(1)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := klog.FromContext(ctx)

	cfg, err := getDecoderConfig()
	if err != nil {
		return err
	}

	predictors, modelID, err := setupPredictors(cfg)
	if err != nil {
		return err
	}

	decoder, err := decoding.NewDecoder(cfg, predictors)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	logger.Info("Created decoder", "strategy", decoder.Strategy(), "predictors", modelID)

	if interval, err := time.ParseDuration(os.Getenv(envMetricsInterval)); err == nil && interval > 0 {
		metrics.Register()
		metrics.StartMetricsLogging(ctx, interval)
	}

	store, err := setupResultStore(ctx, cfg.EnableMetrics)
	if err != nil {
		return err
	}

	var sink batch.Sink
	if endpoint := os.Getenv(envZMQResponseEndpoint); endpoint != "" {
		zmqSink, err := batch.NewZMQSink(endpoint)
		if err != nil {
			return err
		}
		defer zmqSink.Close()
		sink = zmqSink
	}

	poolCfg := getPoolConfig(modelID)
	pool := batch.NewPool(poolCfg, decoder, cfg, store, sink)
	pool.Start(ctx)
	defer pool.Shutdown(context.Background())

	if poolCfg.ZMQEndpoint != "" {
		logger.Info("Serving decode requests", "endpoint", poolCfg.ZMQEndpoint, "topic", poolCfg.TopicFilter)
		<-ctx.Done()
		return nil
	}

	endToken := predictors[0].EndTokenID()
	var tokenizer tokenization.Tokenizer
	var formatter output.Formatter = output.IDFormatter{EndTokenID: endToken}
	if os.Getenv(envInputFormat) == "text" {
		hfTokenizer, err := setupTokenizer()
		if err != nil {
			return err
		}
		tokenizer = hfTokenizer
		formatter = tokenization.Formatter{Tokenizer: hfTokenizer, ModelName: os.Getenv(envModelName), EndTokenID: endToken}
	}

	inputs, err := readInputs(in, tokenizer)
	if err != nil {
		return err
	}
	logger.Info("Read inputs", "count", len(inputs))

	results, errs := pool.DecodeAll(ctx, inputs)
	for i, err := range errs {
		if err != nil {
			logger.Error(err, "Failed to decode input", "index", i, "partial", results[i] != nil)
		}
	}

	return writeResults(out, results, formatter, endToken)
}

func getDecoderConfig() (*decoding.Config, error) {
	cfg := decoding.DefaultConfig()

	if path := os.Getenv(envDecoderConfig); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read decoder config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse decoder config: %w", err)
		}
	}

	if strategy := os.Getenv(envStrategy); strategy != "" {
		cfg.Strategy = decoding.Strategy(strategy)
	}
	for env, field := range map[string]*int{
		envNBest:     &cfg.NBest,
		envBeamWidth: &cfg.BeamWidth,
		envMaxLength: &cfg.MaxLength,
	} {
		if v, err := strconv.Atoi(os.Getenv(env)); err == nil {
			*field = v
		}
	}
	if seed, err := strconv.ParseUint(os.Getenv(envSeed), 10, 64); err == nil {
		cfg.Seed = seed
	}

	return cfg, cfg.Validate()
}

// setupPredictors loads one cached n-gram predictor per model file. The
// returned identifier names the ensemble in result store keys.
func setupPredictors(cfg *decoding.Config) ([]predictor.Predictor, string, error) {
	paths := strings.Split(os.Getenv(envNgramModels), ",")
	if len(paths) == 1 && paths[0] == "" {
		return nil, "", fmt.Errorf("%s must list at least one n-gram model", envNgramModels)
	}

	predictors := make([]predictor.Predictor, 0, len(paths))
	for _, path := range paths {
		model, err := predictor.LoadNgramModel(strings.TrimSpace(path))
		if err != nil {
			return nil, "", err
		}
		ngram, err := predictor.NewNgramPredictor(model)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create n-gram predictor from %s: %w", path, err)
		}
		cached, err := predictor.NewCachedPredictor(ngram, nil)
		if err != nil {
			return nil, "", err
		}

		var p predictor.Predictor = cached
		if cfg.EnableMetrics {
			p = predictor.NewInstrumentedPredictor(p)
		}
		predictors = append(predictors, p)
	}

	return predictors, strings.Join(paths, ","), nil
}

func setupResultStore(ctx context.Context, enableMetrics bool) (resultstore.Store, error) {
	cfg := &resultstore.Config{EnableMetrics: enableMetrics}

	switch {
	case os.Getenv(envRedisAddr) != "":
		cfg.RedisConfig = &resultstore.RedisStoreConfig{Address: os.Getenv(envRedisAddr)}
	case os.Getenv(envResultStoreSize) != "":
		cfg.CostAwareMemoryConfig = &resultstore.CostAwareMemoryStoreConfig{Size: os.Getenv(envResultStoreSize)}
	default:
		return nil, nil //nolint:nilnil // no store configured
	}

	return resultstore.New(ctx, cfg)
}

func setupTokenizer() (*tokenization.CachedHFTokenizer, error) {
	if os.Getenv(envModelName) == "" {
		return nil, fmt.Errorf("%s is required for text input", envModelName)
	}

	cfg := tokenization.DefaultHFTokenizerConfig()
	cfg.HuggingFaceToken = os.Getenv(envHFToken)
	return tokenization.NewCachedHFTokenizer(cfg)
}

func getPoolConfig(modelID string) *batch.Config {
	cfg := batch.DefaultConfig()
	cfg.Model = modelID

	if c, err := strconv.Atoi(os.Getenv(envPoolConcurrency)); err == nil && c > 0 {
		cfg.Concurrency = c
	} else {
		cfg.Concurrency = defaultConcurrency
	}

	cfg.ZMQEndpoint = os.Getenv(envZMQEndpoint)
	if topic := os.Getenv(envZMQTopic); topic != "" {
		cfg.TopicFilter = topic
	}
	return cfg
}

// readInputs parses one input per line. A nil tokenizer means the lines
// hold token ids.
func readInputs(in io.Reader, tokenizer tokenization.Tokenizer) ([]decoding.Input, error) {
	parse := parseIDs
	if tokenizer != nil {
		modelName := os.Getenv(envModelName)
		parse = func(s string) ([]uint32, error) {
			return tokenizer.Encode(s, modelName)
		}
	}

	var inputs []decoding.Input
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		source, target, hasTarget := strings.Cut(scanner.Text(), targetSeparator)

		var input decoding.Input
		var err error
		if input.Source, err = parse(strings.TrimSpace(source)); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if hasTarget {
			if input.Target, err = parse(strings.TrimSpace(target)); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		inputs = append(inputs, input)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inputs: %w", err)
	}
	return inputs, nil
}

func parseIDs(s string) ([]uint32, error) {
	return utils.SliceMapE(strings.Fields(s), func(f string) (uint32, error) {
		id, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		return uint32(id), nil
	})
}

func writeResults(out io.Writer, results []*decoding.Result, formatter output.Formatter, endToken uint32) error {
	switch format := os.Getenv(envOutputFormat); format {
	case "", "text":
		return output.WriteText(out, results, formatter)
	case "nbest":
		return output.WriteNBest(out, results, formatter)
	case "ngram":
		for _, res := range results {
			var hyps []decoding.Hypothesis
			if res != nil {
				hyps = res.Hypotheses
			}
			posteriors := output.NgramPosteriors(hyps, 1, maxPosteriorOrder, endToken, endToken)
			if err := output.WriteNgramPosteriors(out, posteriors); err != nil {
				return err
			}
			if _, err := io.WriteString(out, "\n"); err != nil {
				return err
			}
		}
		return nil
	case "msgpack":
		for _, res := range results {
			data, err := output.MarshalResult(res)
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.New("unsupported output format " + strconv.Quote(format))
	}
}
