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

// Package bulkinsert provides a bulk-insert stage that stores a stream of
// records as documents in Elasticsearch.
//
// Each record is mapped to a document whose target index is either fixed
// (StaticIndex) or read from a record attribute (DynamicIndex). Documents
// are grouped into batches of a configured size, and every batch is sent in
// a single bulk request. Connection failures are retried with exponential
// backoff; documents refused by Elasticsearch are reported individually and
// are not retried.
//
// Credentials are resolved once, from a named application configuration or
// a literal connection string:
//
//	configs, err := bulkinsert.LoadApplicationConfigs("appconfig.toml")
//	conn, err := bulkinsert.ResolveCredentials("es", configs)
//	client, err := bulkinsert.NewClient(conn, bulkinsert.ClientOptions{})
//	inserter, err := bulkinsert.New(client, bulkinsert.Config{
//		Target:    bulkinsert.StaticIndex{Name: "test-index-cloud"},
//		BatchSize: 10,
//	})
package bulkinsert
