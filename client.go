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
	"crypto/tls"
	"errors"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

// ClientOptions holds optional settings for NewClient.
type ClientOptions struct {
	// Transport holds the base round tripper. If nil, a clone of
	// http.DefaultTransport is used.
	Transport *http.Transport

	// CompressRequestBody enables client side gzip of request bodies.
	// Leave it disabled when Config.CompressionLevel is set, the
	// submitter compresses bulk bodies itself.
	CompressRequestBody bool
}

// NewClient returns an Elasticsearch client for the resolved connection.
//
// Client side retries are disabled: connection failures are retried by the
// BulkSubmitter with its own backoff.
func NewClient(conn ConnectionConfig, opts ClientOptions) (*elasticsearch.Client, error) {
	if len(conn.Nodes) == 0 {
		return nil, errors.New("connection has no nodes")
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	} else {
		transport = transport.Clone()
	}
	if conn.SSLTrustAllCertificates {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           conn.Addresses(),
		Username:            conn.Username,
		Password:            conn.Password,
		DisableRetry:        true,
		CompressRequestBody: opts.CompressRequestBody,
		Transport:           apmelasticsearch.WrapRoundTripper(transport),
	})
}
