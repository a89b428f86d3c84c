// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bulkinsert

import (
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for Inserter.
type Config struct {
	// Target selects static or dynamic index naming. It is required.
	Target IndexTarget

	// Schema describes the incoming records. The zero value describes
	// single-value records.
	Schema Schema

	// Logger holds an optional Logger to use for logging indexing requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the inserter is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each submitted batch is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each submitted
	// batch is traced as a span.
	//
	// If TracerProvider is nil, no spans are recorded.
	TracerProvider trace.TracerProvider

	// BatchSize holds the number of documents per bulk request.
	//
	// If BatchSize is less than or equal to zero, every record is flushed
	// on its own.
	BatchSize int

	// FlushBytes holds an optional threshold of accumulated document bytes
	// that flushes a batch before BatchSize is reached.
	//
	// If FlushBytes is zero, only BatchSize is considered.
	FlushBytes int

	// FlushInterval flushes a partial batch once its first document is
	// this old.
	//
	// If FlushInterval is zero, partial batches are only flushed on Close.
	FlushInterval time.Duration

	// FlushTimeout bounds a single bulk request attempt.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// MaxInFlight holds the number of completed batches that may wait for
	// or undergo submission while the next batch accumulates. Batches are
	// always submitted one at a time, in order.
	//
	// If MaxInFlight is less than or equal to zero, the default of 1 is used.
	// New rejects values above 1048576.
	MaxInFlight int

	// DocumentBufferSize sets the number of documents that can be buffered
	// before Insert blocks.
	//
	// If DocumentBufferSize is zero, the default 1024 will be used.
	// New rejects values above 1048576.
	DocumentBufferSize int

	// MaxRetries holds the maximum number of connection retries per batch.
	//
	// If MaxRetries is zero, the default of 3 is used. A negative value
	// disables retries.
	MaxRetries int

	// RetryBackoff configures the delay between connection retries. The
	// defaults wait 1s, 2s and 4s.
	RetryBackoff BackoffConfig

	// DrainTimeout bounds how long BulkInsert and BulkInsertDynamic wait
	// for buffered documents to be submitted after their context is done.
	//
	// If DrainTimeout is zero, the default of 30 seconds is used.
	DrainTimeout time.Duration

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record inserter metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// OnDocumentFailure is called for every document Elasticsearch refused
	// to index, from the submitting goroutine, in batch order.
	OnDocumentFailure func(DocumentFailure)
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.DocumentBufferSize <= 0 {
		cfg.DocumentBufferSize = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return cfg
}

// maxQueueLength bounds MaxInFlight and DocumentBufferSize, which size
// channel buffers.
const maxQueueLength = 1 << 20

func (cfg Config) validate() error {
	if cfg.MaxInFlight > maxQueueLength {
		return fmt.Errorf("expected MaxInFlight in range [1,%d], got %d", maxQueueLength, cfg.MaxInFlight)
	}
	if cfg.DocumentBufferSize > maxQueueLength {
		return fmt.Errorf("expected DocumentBufferSize in range [1,%d], got %d", maxQueueLength, cfg.DocumentBufferSize)
	}
	return nil
}

func (cfg Config) submitterConfig(client esapi.Transport) SubmitterConfig {
	return SubmitterConfig{
		Client:           client,
		Logger:           cfg.Logger,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
		RequestTimeout:   cfg.FlushTimeout,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
	}
}
