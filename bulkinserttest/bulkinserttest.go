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

// Package bulkinserttest provides a mock Elasticsearch cluster for testing
// bulk insert stages.
package bulkinserttest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/metric/metricdata/metricdatatest"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkItem is a single action/document pair of a bulk request.
type BulkItem struct {
	// Action holds the bulk action, e.g. index.
	Action string
	// Index holds the action's _index.
	Index string
	// Document holds the raw document line.
	Document []byte
}

// DecodeBulkRequest decodes the body of a bulk request, and returns a
// response acknowledging every item with 201 Created.
//
// Document lines are returned verbatim and are not required to be valid
// JSON, so that tests can exercise per-document rejection.
func DecodeBulkRequest(r *http.Request) ([]BulkItem, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var items []BulkItem
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index string `json:"_index"`
		})
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			panic(err)
		}
		var item BulkItem
		for actionType, meta := range action {
			item.Action = actionType
			item.Index = meta.Index
		}
		if !scanner.Scan() {
			panic("expected source")
		}
		item.Document = append([]byte{}, scanner.Bytes()...)
		items = append(items, item)

		resp := esutil.BulkIndexerResponseItem{Index: item.Index, Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{item.Action: resp})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return items, result
}

// RejectItem marks the i'th item of result as failed.
func RejectItem(result *esutil.BulkIndexerResponse, i, status int, errorType, reason string) {
	result.HasErrors = true
	for action, item := range result.Items[i] {
		item.Status = status
		item.Error.Type = errorType
		item.Error.Reason = reason
		result.Items[i][action] = item
	}
}

// WriteError answers a bulk request as a whole with status.
func WriteError(w http.ResponseWriter, status int, errorType, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  map[string]any{"type": errorType, "reason": reason},
		"status": status,
	})
}

// NewMockElasticsearchServer starts a server answering /_bulk with
// bulkHandler. The server is closed when the test completes.
func NewMockElasticsearchServer(t testing.TB, bulkHandler http.HandlerFunc) *httptest.Server {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// NewMockElasticsearchClient returns a client for a mock server answering
// /_bulk with bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig returns a client configuration for a mock
// server answering /_bulk with bulkHandler. Client side retries are disabled.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	srv := NewMockElasticsearchServer(t, bulkHandler)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler for /_bulk on mux.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// AssertOTelMetrics calls f for every metric in ms, in name order.
func AssertOTelMetrics(t testing.TB, ms []metricdata.Metrics, f func(m metricdata.Metrics)) {
	t.Helper()
	sorted := append([]metricdata.Metrics(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	for _, m := range sorted {
		f(m)
	}
}

// NewAssertCounter returns a function asserting that an int64 counter has
// the given value and carries attrs. Every call increments asserted.
func NewAssertCounter(t testing.TB, asserted *atomic.Int64) func(m metricdata.Metrics, value int64, attrs attribute.Set) {
	return func(m metricdata.Metrics, value int64, attrs attribute.Set) {
		t.Helper()
		asserted.Add(1)
		counter, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok, "%s is not an int64 sum", m.Name)
		require.Len(t, counter.DataPoints, 1, m.Name)
		dp := counter.DataPoints[0]
		metricdatatest.AssertHasAttributes(t, dp, attrs.ToSlice()...)
		assert.Equal(t, value, dp.Value, m.Name)
	}
}
