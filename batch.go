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
	"sync/atomic"
	"time"
)

// SubmitState is the submission state of a Batch.
type SubmitState int32

const (
	// Idle batches have not been handed to a BulkSubmitter.
	Idle SubmitState = iota
	// Sending batches have a bulk request in flight.
	Sending
	// ConnectionFailed batches wait for a retry.
	ConnectionFailed
	// Acknowledged batches received a bulk response. Terminal.
	Acknowledged
	// Fatal batches gave up. Terminal.
	Fatal
)

func (s SubmitState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sending:
		return "Sending"
	case ConnectionFailed:
		return "ConnectionFailed"
	case Acknowledged:
		return "Acknowledged"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Batch is an ordered, bounded sequence of documents submitted in a single
// bulk request. A batch is submitted at most once and never mutated after
// the Batcher hands it out.
type Batch struct {
	docs      []Document
	links     []linkedTraceContext
	linked    map[linkedTraceContext]struct{}
	bytes     int
	created   time.Time
	submitted atomic.Bool
	state     atomic.Int32
}

// maxPreallocDocuments caps the initial capacity of a batch; larger batches
// grow on demand.
const maxPreallocDocuments = 1024

func newBatch(capacity int) *Batch {
	return &Batch{
		docs:    make([]Document, 0, min(capacity, maxPreallocDocuments)),
		created: time.Now(),
	}
}

// Len returns the number of documents.
func (b *Batch) Len() int {
	return len(b.docs)
}

// Bytes returns the accumulated document body size.
func (b *Batch) Bytes() int {
	return b.bytes
}

// Documents returns the batch documents. The slice must not be modified.
func (b *Batch) Documents() []Document {
	return b.docs
}

// State returns the current submission state.
func (b *Batch) State() SubmitState {
	return SubmitState(b.state.Load())
}

func (b *Batch) setState(s SubmitState) {
	b.state.Store(int32(s))
}

// addLink records link once per batch, keeping first-seen order.
func (b *Batch) addLink(link linkedTraceContext) {
	if _, ok := b.linked[link]; ok {
		return
	}
	if b.linked == nil {
		b.linked = make(map[linkedTraceContext]struct{})
	}
	b.linked[link] = struct{}{}
	b.links = append(b.links, link)
}

// claim marks the batch as submitted. It returns false if it already was.
func (b *Batch) claim() bool {
	return b.submitted.CompareAndSwap(false, true)
}

// BatcherConfig holds configuration for Batcher.
type BatcherConfig struct {
	// Size holds the number of documents per batch.
	//
	// If Size is less than or equal to zero, every document is its own batch.
	Size int

	// FlushBytes holds an optional threshold of accumulated document bytes
	// that completes a batch before Size is reached.
	//
	// If FlushBytes is zero, only Size is considered.
	FlushBytes int
}

// Batcher accumulates documents into batches. It is not safe for concurrent
// use; the Inserter drives it from a single goroutine.
type Batcher struct {
	config  BatcherConfig
	current *Batch
}

// NewBatcher returns a new Batcher.
func NewBatcher(cfg BatcherConfig) *Batcher {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.FlushBytes < 0 {
		cfg.FlushBytes = 0
	}
	return &Batcher{config: cfg}
}

// Add appends doc to the current batch. It returns the batch once it is
// complete, and starts a new empty one; otherwise it returns nil.
func (b *Batcher) Add(doc Document) *Batch {
	return b.add(doc, nil)
}

// add is Add, recording the trace context that inserted doc.
func (b *Batcher) add(doc Document, link *linkedTraceContext) *Batch {
	if b.current == nil {
		b.current = newBatch(b.config.Size)
	}
	if link != nil {
		b.current.addLink(*link)
	}
	b.current.docs = append(b.current.docs, doc)
	b.current.bytes += len(doc.Body)
	if b.current.Len() >= b.config.Size ||
		(b.config.FlushBytes > 0 && b.current.bytes >= b.config.FlushBytes) {
		return b.Flush()
	}
	return nil
}

// Flush returns the current, possibly partial, batch. It returns nil when
// no documents are buffered.
func (b *Batcher) Flush() *Batch {
	batch := b.current
	b.current = nil
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	return batch
}

// Len returns the number of buffered documents.
func (b *Batcher) Len() int {
	if b.current == nil {
		return 0
	}
	return b.current.Len()
}

// Created returns the creation time of the current batch, or the zero time.
func (b *Batcher) Created() time.Time {
	if b.current == nil {
		return time.Time{}
	}
	return b.current.created
}
