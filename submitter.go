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
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"
)

// Unlike the go-elasticsearch BulkIndexer, which fans items out to several
// workers, a BulkSubmitter sends one batch at a time. The batch is encoded
// once and the same body is resent on every retry, so a retried request is
// byte for byte identical to the first attempt.
//
// Retrying is not idempotent: documents carry no IDs, and a request that
// timed out after Elasticsearch accepted it will index its documents again.

const (
	defaultMaxRetries      = 3
	defaultInitialInterval = time.Second
	defaultMultiplier      = 2
	defaultMaxInterval     = 30 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024

	// invalidDocumentCode is the DocumentFailure code of documents that
	// were never sent.
	invalidDocumentCode = "invalid_document"

	// missingItemCode is the DocumentFailure code of documents the bulk
	// response holds no item for.
	missingItemCode = "missing_bulk_item"
)

// BackoffConfig configures the exponential backoff between connection
// retries.
type BackoffConfig struct {
	// InitialInterval holds the delay before the first retry.
	//
	// If InitialInterval is zero, the default of 1 second is used.
	InitialInterval time.Duration

	// Multiplier scales the delay after every retry.
	//
	// If Multiplier is less than 1, the default of 2 is used.
	Multiplier float64

	// MaxInterval caps the delay between retries.
	//
	// If MaxInterval is zero, the default of 30 seconds is used.
	MaxInterval time.Duration

	// RandomizationFactor adds jitter, from 0 (none) to 1.
	RandomizationFactor float64
}

// SubmitterConfig holds configuration for BulkSubmitter.
type SubmitterConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// Logger holds an optional Logger for retry warnings.
	Logger *zap.Logger

	// MaxRetries holds the maximum number of connection retries per batch.
	//
	// If MaxRetries is zero, the default of 3 is used. A negative value
	// disables retries.
	MaxRetries int

	// RetryBackoff configures the delay between connection retries.
	RetryBackoff BackoffConfig

	// RequestTimeout bounds a single bulk request attempt. A timed out
	// attempt is retried like any other connection failure.
	//
	// If RequestTimeout is zero, no timeout is used.
	RequestTimeout time.Duration

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// Validate checks the configuration.
func (c SubmitterConfig) Validate() error {
	if c.Client == nil {
		return errors.New("client is nil")
	}
	if c.CompressionLevel < -1 || c.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			c.CompressionLevel,
		)
	}
	if c.RetryBackoff.RandomizationFactor < 0 || c.RetryBackoff.RandomizationFactor > 1 {
		return fmt.Errorf(
			"expected RandomizationFactor in range [0,1], got %v",
			c.RetryBackoff.RandomizationFactor,
		)
	}
	return nil
}

// SubmitResult holds the outcome of a submitted batch.
type SubmitResult struct {
	// Indexed holds the number of acknowledged documents.
	Indexed int64

	// Failed holds the documents Elasticsearch refused, in batch order.
	Failed []DocumentFailure

	// Attempts holds the number of bulk requests sent.
	Attempts int

	// BytesFlushed holds the request body size, after compression.
	BytesFlushed int
}

// Retries returns the number of connection retries.
func (r SubmitResult) Retries() int {
	if r.Attempts == 0 {
		return 0
	}
	return r.Attempts - 1
}

// BulkSubmitter issues bulk index requests for batches and interprets the
// per-document results.
type BulkSubmitter struct {
	config SubmitterConfig
}

// NewBulkSubmitter returns a BulkSubmitter.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewBulkSubmitter(cfg SubmitterConfig) (*BulkSubmitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff.InitialInterval <= 0 {
		cfg.RetryBackoff.InitialInterval = defaultInitialInterval
	}
	if cfg.RetryBackoff.Multiplier < 1 {
		cfg.RetryBackoff.Multiplier = defaultMultiplier
	}
	if cfg.RetryBackoff.MaxInterval <= 0 {
		cfg.RetryBackoff.MaxInterval = defaultMaxInterval
	}
	return &BulkSubmitter{config: cfg}, nil
}

func (s *BulkSubmitter) newBackOff() backoff.BackOff {
	if s.config.MaxRetries < 0 {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.config.RetryBackoff.InitialInterval
	eb.Multiplier = s.config.RetryBackoff.Multiplier
	eb.MaxInterval = s.config.RetryBackoff.MaxInterval
	eb.RandomizationFactor = s.config.RetryBackoff.RandomizationFactor
	eb.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(eb, uint64(s.config.MaxRetries))
	b.Reset()
	return b
}

// Submit sends batch in a single bulk request.
//
// Connection failures are retried with backoff; document failures are
// returned in SubmitResult.Failed and are not retried. Submit returns a
// *FatalError when retries are exhausted, the cluster rejects the
// credentials, or ctx is done. A batch can only be submitted once.
func (s *BulkSubmitter) Submit(ctx context.Context, batch *Batch) (SubmitResult, error) {
	if batch == nil || batch.Len() == 0 {
		return SubmitResult{}, nil
	}
	if !batch.claim() {
		return SubmitResult{}, ErrBatchSubmitted
	}
	req, err := s.encode(batch)
	if err != nil {
		batch.setState(Fatal)
		return SubmitResult{}, &FatalError{Err: err}
	}
	result := SubmitResult{Failed: req.invalid}
	if len(req.positions) == 0 {
		// Every document was refused before sending.
		batch.setState(Acknowledged)
		return result, nil
	}
	result.BytesFlushed = len(req.body)
	body := req.body
	b := s.newBackOff()
	for {
		result.Attempts++
		batch.setState(Sending)
		resp, err := s.send(ctx, body)
		if err == nil {
			if err := s.collect(batch, req.positions, resp, &result); err != nil {
				batch.setState(Fatal)
				return result, &FatalError{Attempts: result.Attempts, Err: err}
			}
			batch.setState(Acknowledged)
			return result, nil
		}
		var rejected *requestRejectedError
		if errors.As(err, &rejected) {
			batch.setState(Acknowledged)
			for _, pos := range req.positions {
				result.Failed = append(result.Failed, DocumentFailure{
					Index:    batch.docs[pos].Index,
					Status:   rejected.status,
					Code:     rejected.errorType,
					Message:  rejected.reason,
					Position: pos,
				})
			}
			sortFailures(result.Failed)
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			batch.setState(Fatal)
			return result, &FatalError{Attempts: result.Attempts, Err: ctxErr}
		}
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			batch.setState(Fatal)
			return result, &FatalError{Attempts: result.Attempts, Err: err}
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			batch.setState(Fatal)
			return result, &FatalError{
				Attempts: result.Attempts,
				Err:      fmt.Errorf("connection retries exhausted: %w", err),
			}
		}
		batch.setState(ConnectionFailed)
		s.config.Logger.Warn("bulk request failed, retrying",
			zap.Error(err),
			zap.Int("attempt", result.Attempts),
			zap.Duration("backoff", next),
			zap.Int("documents", batch.Len()),
		)
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			batch.setState(Fatal)
			return result, &FatalError{Attempts: result.Attempts, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// collect maps the bulk response items back to batch positions. Documents
// the response holds no item for are reported as failed, since their
// outcome is unknown.
func (s *BulkSubmitter) collect(batch *Batch, positions []int, resp bulkResponse, result *SubmitResult) error {
	if resp.Items > len(positions) {
		return fmt.Errorf("bulk response holds %d items for %d documents", resp.Items, len(positions))
	}
	result.Indexed = resp.Indexed
	for _, item := range resp.Failed {
		pos := positions[item.Position]
		result.Failed = append(result.Failed, DocumentFailure{
			// Report the requested index; the response names the
			// backing index for aliases and data streams.
			Index:    batch.docs[pos].Index,
			Status:   item.Status,
			Code:     item.Error.Type,
			Message:  item.Error.Reason,
			Position: pos,
		})
	}
	if missing := positions[resp.Items:]; len(missing) > 0 {
		s.config.Logger.Warn("bulk response is missing items",
			zap.Int("documents", len(positions)),
			zap.Int("items", resp.Items),
		)
		for _, pos := range missing {
			result.Failed = append(result.Failed, DocumentFailure{
				Index:    batch.docs[pos].Index,
				Code:     missingItemCode,
				Message:  "bulk response holds no item for the document",
				Position: pos,
			})
		}
	}
	sortFailures(result.Failed)
	return nil
}

// sortFailures orders failures by batch position.
func sortFailures(failed []DocumentFailure) {
	slices.SortStableFunc(failed, func(a, b DocumentFailure) int {
		return cmp.Compare(a.Position, b.Position)
	})
}

// bulkRequest is an encoded batch.
type bulkRequest struct {
	body []byte
	// positions maps request items to batch positions.
	positions []int
	// invalid holds the documents left out of the request.
	invalid []DocumentFailure
}

// encode writes the bulk request body for batch. Documents that cannot be
// framed on a single line are left out and reported as invalid.
func (s *BulkSubmitter) encode(batch *Batch) (bulkRequest, error) {
	var req bulkRequest
	var buf bytes.Buffer
	var writer io.Writer = &buf
	var gzipw *gzip.Writer
	if s.config.CompressionLevel != gzip.NoCompression {
		gzipw, _ = gzip.NewWriterLevel(&buf, s.config.CompressionLevel)
		writer = gzipw
	}
	var jsonw fastjson.Writer
	for pos, doc := range batch.docs {
		if doc.Index == "" {
			return req, ErrMissingIndex
		}
		body, err := compactBody(doc.Body)
		if err != nil {
			req.invalid = append(req.invalid, DocumentFailure{
				Index:    doc.Index,
				Status:   http.StatusBadRequest,
				Code:     invalidDocumentCode,
				Message:  err.Error(),
				Position: pos,
			})
			continue
		}
		jsonw.RawString(`{"index":{"_index":`)
		jsonw.String(doc.Index)
		jsonw.RawString("}}\n")
		if _, err := writer.Write(jsonw.Bytes()); err != nil {
			return req, fmt.Errorf("failed to write bulk action: %w", err)
		}
		jsonw.Reset()
		if _, err := writer.Write(body); err != nil {
			return req, fmt.Errorf("failed to write document: %w", err)
		}
		if _, err := writer.Write([]byte("\n")); err != nil {
			return req, fmt.Errorf("failed to write newline: %w", err)
		}
		req.positions = append(req.positions, pos)
	}
	if gzipw != nil {
		if err := gzipw.Close(); err != nil {
			return req, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}
	req.body = buf.Bytes()
	return req, nil
}

func (s *BulkSubmitter) send(ctx context.Context, body []byte) (bulkResponse, error) {
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	req := esapi.BulkRequest{
		Body:       bytes.NewReader(body),
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason"},
		Pipeline:   s.config.Pipeline,
	}
	if s.config.CompressionLevel != gzip.NoCompression {
		req.Header.Set("Content-Encoding", "gzip")
	}

	var resp bulkResponse
	res, err := req.Do(ctx, s.config.Client)
	if err != nil {
		return resp, &ConnectionError{Err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return resp, errorFromResponse(res)
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	return resp, nil
}

// errorFromResponse classifies a request level error response.
func errorFromResponse(res *esapi.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	// Error bodies are not always JSON, e.g. from proxies.
	_ = jsoniter.Unmarshal(data, &body)
	reason := body.Error.Reason
	if reason == "" {
		reason = strings.TrimSpace(string(data))
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &ConnectionError{StatusCode: res.StatusCode, Err: errors.New(reason)}
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("bulk request was refused with status %d: %s", res.StatusCode, reason)
	}
	return &requestRejectedError{status: res.StatusCode, errorType: body.Error.Type, reason: reason}
}

// requestRejectedError is a 4xx answer to the whole request. It applies to
// every document in the batch.
type requestRejectedError struct {
	status    int
	errorType string
	reason    string
}

func (e *requestRejectedError) Error() string {
	return fmt.Sprintf("bulk request rejected with status %d (%s): %s", e.status, e.errorType, e.reason)
}

type bulkResponse struct {
	Items   int
	Indexed int64
	Failed  []bulkResponseItem
}

type bulkResponseItem struct {
	Index    string
	Status   int
	Position int
	Error    struct {
		Type   string
		Reason string
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("bulkinsert.bulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*bulkResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			var idx int
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
					var item bulkResponseItem
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Drop the field value preview Elasticsearch appends
									// to mapping errors; it may contain document data.
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					item.Position = idx
					idx++
					resp.Items = idx
					if item.Error.Type != "" || item.Status > 201 {
						resp.Failed = append(resp.Failed, item)
					} else {
						resp.Indexed++
					}
					return true
				})
			})
			return true
		})
	})
}
