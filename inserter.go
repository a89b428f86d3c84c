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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errCloseCancelled = errors.New("cancelled by inserter.close")

// Inserter is a bulk-insert stage: it maps records to documents, groups
// them into batches and submits every batch in a single bulk request.
//
// Records are processed in arrival order and batches are submitted one at
// a time, so acknowledgements follow insertion order. While a batch is being
// submitted the next one keeps accumulating; up to `config.MaxInFlight`
// completed batches may wait before Insert blocks.
//
// A fatal submission error aborts the stage: buffered documents are dropped
// (and counted as aborted) and every later call returns the error.
type Inserter struct {
	added        atomic.Int64
	rejected     atomic.Int64
	bulkRequests atomic.Int64
	indexed      atomic.Int64
	failed       atomic.Int64
	failedClient atomic.Int64
	failedServer atomic.Int64
	tooMany      atomic.Int64
	retries      atomic.Int64
	aborted      atomic.Int64
	bytesTotal   atomic.Int64

	config    Config
	mapper    *RecordMapper
	submitter *BulkSubmitter
	docs      chan queuedDocument
	batches   chan *Batch
	errgroup  errgroup.Group
	ctx       context.Context
	cancel    context.CancelCauseFunc
	metrics   metrics

	// mu guards closed, and is held for reading while a document is sent
	// on docs so that Close never closes the channel under a sender.
	mu     sync.RWMutex
	closed bool

	// tracer is an OTel tracer, and should not be confused with
	// `config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// New returns a new Inserter that indexes records into Elasticsearch.
//
// The record schema is checked against cfg.Target before New returns, so a
// missing index name or document attribute fails here rather than on the
// first record.
func New(client elastictransport.Interface, cfg Config) (*Inserter, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mapper, err := NewRecordMapper(cfg.Target, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("invalid index target: %w", err)
	}
	submitter, err := NewBulkSubmitter(cfg.submitterConfig(client))
	if err != nil {
		return nil, fmt.Errorf("error creating bulk submitter: %w", err)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	i := &Inserter{
		config:    cfg,
		mapper:    mapper,
		submitter: submitter,
		docs:      make(chan queuedDocument, cfg.DocumentBufferSize),
		batches:   make(chan *Batch, cfg.MaxInFlight-1),
		metrics:   ms,
	}
	if cfg.TracerProvider != nil {
		i.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-bulkinsert.inserter")
	}
	// The stage context is cancelled on a fatal submission error, or when
	// the Close context expires.
	i.ctx, i.cancel = context.WithCancelCause(context.Background())
	i.errgroup.Go(i.runBatcher)
	i.errgroup.Go(i.runSubmitter)
	return i, nil
}

// Insert maps r to a document and enqueues it for indexing.
//
// Records that cannot be mapped are rejected with an error wrapping
// ErrMissingAttribute or ErrMissingIndex; the stage keeps running. Insert
// blocks while the document buffer is full.
func (i *Inserter) Insert(ctx context.Context, r Record) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	if err := i.abortErr(); err != nil {
		return err
	}
	attrs := metric.WithAttributeSet(i.config.MetricAttributes)
	doc, err := i.mapper.Map(r)
	if err != nil {
		i.rejected.Add(1)
		i.metrics.recordsReject.Add(context.Background(), 1, attrs)
		return fmt.Errorf("record rejected: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ctx.Done():
		return i.abortErr()
	case i.docs <- queuedDocument{doc: doc, link: traceLinkFromContext(ctx)}:
	}
	i.added.Add(1)
	i.metrics.recordsAdded.Add(context.Background(), 1, attrs)
	return nil
}

// Close stops accepting records, flushes the partial batch and waits for all
// batches to be submitted.
//
// If ctx is done before that, in-flight submissions are cancelled and the
// remaining documents are dropped. Close returns the error that aborted the
// stage, if any.
func (i *Inserter) Close(ctx context.Context) error {
	// Cancel ongoing submissions when ctx is done before the drain is.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			i.cancel(fmt.Errorf("%w: %w", errCloseCancelled, context.Cause(ctx)))
		case <-done:
		}
	}()

	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.docs)
	}
	i.mu.Unlock()

	err := i.errgroup.Wait()
	// Documents enqueued after an abort were never read by the batcher.
	var leftover int
	for range i.docs {
		leftover++
	}
	i.logAborted(leftover)
	i.cancel(ErrClosed)
	return err
}

// Stats returns the bulk indexing stats.
func (i *Inserter) Stats() Stats {
	return Stats{
		Added:           i.added.Load(),
		Rejected:        i.rejected.Load(),
		BulkRequests:    i.bulkRequests.Load(),
		Indexed:         i.indexed.Load(),
		Failed:          i.failed.Load(),
		FailedClient:    i.failedClient.Load(),
		FailedServer:    i.failedServer.Load(),
		TooManyRequests: i.tooMany.Load(),
		Retries:         i.retries.Load(),
		Aborted:         i.aborted.Load(),
		BytesTotal:      i.bytesTotal.Load(),
	}
}

// Stats holds bulk indexing statistics.
type Stats struct {
	// Added holds the number of records accepted by Insert.
	Added int64

	// Rejected holds the number of records that could not be mapped to a
	// document.
	Rejected int64

	// BulkRequests holds the number of batches submitted, retries excluded.
	BulkRequests int64

	// Indexed holds the number of documents acknowledged by Elasticsearch.
	Indexed int64

	// Failed holds the number of documents Elasticsearch refused.
	Failed int64

	// FailedClient holds the number of documents that failed with a 4xx
	// status other than 429.
	FailedClient int64

	// FailedServer holds the number of documents that failed with a 5xx
	// status, or that the bulk response held no item for.
	FailedServer int64

	// TooManyRequests holds the number of documents that failed with 429.
	TooManyRequests int64

	// Retries holds the number of bulk requests resent after a connection
	// failure.
	Retries int64

	// Aborted holds the number of documents dropped because the stage was
	// aborted before they could be submitted.
	Aborted int64

	// BytesTotal holds the number of bytes written to request bodies.
	BytesTotal int64
}

// abortErr returns the error that aborted the stage, or nil.
func (i *Inserter) abortErr() error {
	if i.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(i.ctx)
	if errors.Is(cause, ErrFatal) {
		return cause
	}
	return ErrClosed
}

func (i *Inserter) abort(n int) {
	if n == 0 {
		return
	}
	i.aborted.Add(int64(n))
	i.metrics.docsIndexed.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("status", "Aborted")),
		metric.WithAttributeSet(i.config.MetricAttributes),
	)
}

// runBatcher groups documents into batches and hands them to the submitter.
func (i *Inserter) runBatcher() error {
	defer close(i.batches)
	batcher := NewBatcher(BatcherConfig{
		Size:       i.config.BatchSize,
		FlushBytes: i.config.FlushBytes,
	})
	var flushTimer *time.Timer
	var flushC <-chan time.Time
	if i.config.FlushInterval > 0 {
		flushTimer = time.NewTimer(i.config.FlushInterval)
		stopTimer(flushTimer)
		flushC = flushTimer.C
	}
	emit := func(batch *Batch) bool {
		if flushTimer != nil {
			stopTimer(flushTimer)
		}
		attrs := metric.WithAttributeSet(i.config.MetricAttributes)
		i.metrics.bufferDuration.Record(context.Background(),
			time.Since(batch.created).Seconds(), attrs,
		)
		select {
		case i.batches <- batch:
			return true
		case <-i.ctx.Done():
			i.abort(batch.Len())
			return false
		}
	}
	for {
		select {
		case queued, ok := <-i.docs:
			if !ok {
				// Close was called: flush the final, possibly smaller, batch.
				if batch := batcher.Flush(); batch != nil {
					emit(batch)
				}
				return nil
			}
			first := batcher.Len() == 0
			if batch := batcher.add(queued.doc, queued.link); batch != nil {
				if !emit(batch) {
					i.drainDocuments(batcher)
					return nil
				}
			} else if first && flushTimer != nil {
				flushTimer.Reset(i.config.FlushInterval)
			}
		case <-flushC:
			if batch := batcher.Flush(); batch != nil {
				if !emit(batch) {
					i.drainDocuments(batcher)
					return nil
				}
			}
		case <-i.ctx.Done():
			i.drainDocuments(batcher)
			return nil
		}
	}
}

// drainDocuments counts buffered documents as aborted.
func (i *Inserter) drainDocuments(batcher *Batcher) {
	n := batcher.Len()
	batcher.Flush()
	for {
		select {
		case _, ok := <-i.docs:
			if !ok {
				i.logAborted(n)
				return
			}
			n++
		default:
			i.logAborted(n)
			return
		}
	}
}

func (i *Inserter) logAborted(n int) {
	if n == 0 {
		return
	}
	i.abort(n)
	i.config.Logger.Error("bulk insert aborted, dropping buffered documents",
		zap.Int("documents", n),
		zap.Error(context.Cause(i.ctx)),
	)
}

// runSubmitter submits batches sequentially until the batcher is done or a
// submission fails fatally.
func (i *Inserter) runSubmitter() error {
	for batch := range i.batches {
		if err := i.flush(i.ctx, batch); err != nil {
			i.cancel(err)
			// Unblock the batcher and account for what it already cut.
			for batch := range i.batches {
				i.abort(batch.Len())
			}
			return err
		}
	}
	return nil
}

func (i *Inserter) flush(ctx context.Context, batch *Batch) error {
	n := batch.Len()
	logger := i.config.Logger
	if i.config.Tracer != nil {
		var links []apm.SpanLink
		for _, link := range batch.links {
			links = append(links, link.APMLink())
		}
		tx := i.config.Tracer.StartTransactionOptions("bulkinsert.flush", "output",
			apm.TransactionOptions{Links: links},
		)
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if i.tracer != nil {
		links := make([]trace.Link, 0, len(batch.links))
		for _, link := range batch.links {
			links = append(links, link.OTELLink())
		}
		ctx, span = i.tracer.Start(ctx, "bulkinsert.flush",
			trace.WithAttributes(attribute.Int("documents", n)),
			trace.WithLinks(links...),
		)
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	var result SubmitResult
	var err error
	took := timeFunc(func() {
		result, err = i.submitter.Submit(ctx, batch)
	})

	attrs := metric.WithAttributeSet(i.config.MetricAttributes)
	i.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if result.Attempts > 0 {
		i.bulkRequests.Add(1)
		i.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	}
	if retries := int64(result.Retries()); retries > 0 {
		i.retries.Add(retries)
		i.metrics.bulkRetries.Add(context.Background(), retries, attrs)
	}
	if result.BytesFlushed > 0 && result.Attempts > 0 {
		i.bytesTotal.Add(int64(result.BytesFlushed))
		i.metrics.bytesTotal.Add(context.Background(), int64(result.BytesFlushed), attrs)
	}
	if err != nil {
		i.abort(n)
		logger.Error("bulk indexing request failed", zap.Error(err), zap.Int("attempts", result.Attempts))
		if tx := apm.TransactionFromContext(ctx); tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		return err
	}

	var tooManyRequests, clientFailed, serverFailed int64
	type failureKey struct{ index, code string }
	var failedCount map[failureKey]int
	if len(result.Failed) > 0 {
		failedCount = make(map[failureKey]int, len(result.Failed))
	}
	for _, f := range result.Failed {
		switch {
		case f.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case f.Status >= 500 || f.Status == 0:
			// Status 0: the response held no item for the document.
			serverFailed++
		default:
			clientFailed++
		}
		failedCount[failureKey{index: f.Index, code: f.Code}]++
		if span != nil && span.IsRecording() {
			span.RecordError(f)
			span.SetStatus(codes.Error, f.Message)
		}
		if i.config.OnDocumentFailure != nil {
			i.config.OnDocumentFailure(f)
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s)", key.index, key.code),
			zap.Int("documents", count),
		)
	}

	i.indexed.Add(result.Indexed)
	i.failed.Add(int64(len(result.Failed)))
	i.tooMany.Add(tooManyRequests)
	i.failedClient.Add(clientFailed)
	i.failedServer.Add(serverFailed)
	for _, c := range []struct {
		status string
		n      int64
	}{
		{"Success", result.Indexed},
		{"TooMany", tooManyRequests},
		{"FailedClient", clientFailed},
		{"FailedServer", serverFailed},
	} {
		if c.n == 0 {
			continue
		}
		i.metrics.docsIndexed.Add(context.Background(), c.n,
			metric.WithAttributes(attribute.String("status", c.status)),
			attrs,
		)
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", result.Indexed),
		zap.Int("docs_failed", len(result.Failed)),
		zap.Int64("docs_rate_limited", tooManyRequests),
		zap.Int("attempts", result.Attempts),
	)
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		tx.Outcome = "success"
	}
	if span != nil && span.IsRecording() && len(result.Failed) == 0 {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// queuedDocument is a document waiting for the batcher.
type queuedDocument struct {
	doc  Document
	link *linkedTraceContext
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
