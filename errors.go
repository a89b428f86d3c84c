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
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned from methods of closed Inserters.
	ErrClosed = errors.New("bulk inserter closed")

	// ErrConfigNotFound is returned when a named application configuration
	// cannot be located.
	ErrConfigNotFound = errors.New("application configuration not found")

	// ErrInvalidConfig is returned when an application configuration is
	// present but lacks a required property.
	ErrInvalidConfig = errors.New("invalid application configuration")

	// ErrMalformedConnectionString is returned when a literal connection
	// string cannot be parsed into its components.
	ErrMalformedConnectionString = errors.New("malformed connection string")

	// ErrMissingAttribute is returned when the index name or document
	// attribute is not part of the record schema.
	ErrMissingAttribute = errors.New("missing attribute")

	// ErrMissingIndex is returned when a document has no target index.
	ErrMissingIndex = errors.New("missing index name")

	// ErrInvalidDocument is returned for document bodies that contain line
	// breaks and are not valid JSON. Such bodies cannot be framed in a
	// bulk request.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrDocumentRejected is wrapped by every DocumentFailure.
	ErrDocumentRejected = errors.New("document rejected")

	// ErrFatal is wrapped by FatalError. A fatal error aborts the stage.
	ErrFatal = errors.New("fatal bulk insert error")

	// ErrBatchSubmitted is returned when a batch is submitted twice.
	ErrBatchSubmitted = errors.New("batch already submitted")
)

// MissingAttributeError reports a schema attribute that the configured
// IndexTarget refers to but the schema does not declare.
type MissingAttributeError struct {
	Attribute string
	Role      string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("%s attribute %q is not part of the record schema", e.Role, e.Attribute)
}

func (e *MissingAttributeError) Unwrap() error {
	return ErrMissingAttribute
}

// ConnectionError is a retryable request level failure: the endpoint was
// unreachable, the TLS handshake failed, or the cluster answered the whole
// request with 429 or 5xx.
type ConnectionError struct {
	// StatusCode is zero for transport errors.
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bulk request failed with status %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to execute the request: %s", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// FatalError aborts the stage. It is returned once connection retries are
// exhausted, or when the cluster rejects the credentials.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bulk insert aborted after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}

// DocumentFailure describes a single document that Elasticsearch refused to
// index. Document failures are never retried.
type DocumentFailure struct {
	// Index holds the document's target index.
	Index string
	// Status holds the per item HTTP status.
	Status int
	// Code holds the Elasticsearch error type, e.g. mapper_parsing_exception.
	Code string
	// Message holds the Elasticsearch error reason.
	Message string
	// Position is the document's offset within its batch.
	Position int
}

func (f DocumentFailure) Error() string {
	return fmt.Sprintf("failed to index document in '%s' (%s): %s", f.Index, f.Code, f.Message)
}

func (f DocumentFailure) Unwrap() error {
	return ErrDocumentRejected
}
