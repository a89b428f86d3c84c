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
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// IndexTarget selects how documents are routed to indices. It is either a
// StaticIndex or a DynamicIndex.
type IndexTarget interface {
	indexTarget()
}

// StaticIndex routes every document to a fixed index.
type StaticIndex struct {
	// Name holds the target index name.
	Name string

	// DocumentField names the attribute holding the document of structured
	// records. It may be empty when the schema has a single attribute, and
	// is ignored for single-value records.
	DocumentField string
}

// DynamicIndex reads the index name and the document from record
// attributes.
type DynamicIndex struct {
	IndexField    string
	DocumentField string
}

func (StaticIndex) indexTarget()  {}
func (DynamicIndex) indexTarget() {}

// Document is a mapped record, ready to be batched.
type Document struct {
	Index string
	// Body is expected to hold a JSON object. Bodies spanning several
	// lines are compacted; other bodies are passed to Elasticsearch
	// unmodified.
	Body []byte
}

// RecordMapper turns records into documents.
type RecordMapper struct {
	index         string
	indexField    string
	documentField string
}

// NewRecordMapper returns a RecordMapper for target, checking that the
// attributes target refers to are declared by schema.
func NewRecordMapper(target IndexTarget, schema Schema) (*RecordMapper, error) {
	switch t := target.(type) {
	case StaticIndex:
		if t.Name == "" {
			return nil, ErrMissingIndex
		}
		m := &RecordMapper{index: t.Name}
		if !schema.Structured() {
			return m, nil
		}
		m.documentField = t.DocumentField
		if m.documentField == "" {
			if len(schema.Attributes) != 1 {
				return nil, fmt.Errorf("%w: document attribute must be set for schemas with %d attributes",
					ErrMissingAttribute, len(schema.Attributes),
				)
			}
			m.documentField = schema.Attributes[0]
		}
		if !schema.Has(m.documentField) {
			return nil, &MissingAttributeError{Attribute: m.documentField, Role: "document"}
		}
		return m, nil
	case DynamicIndex:
		if t.IndexField == "" {
			return nil, fmt.Errorf("%w: index name attribute must be set", ErrMissingAttribute)
		}
		if t.DocumentField == "" {
			return nil, fmt.Errorf("%w: document attribute must be set", ErrMissingAttribute)
		}
		if !schema.Has(t.IndexField) {
			return nil, &MissingAttributeError{Attribute: t.IndexField, Role: "index name"}
		}
		if !schema.Has(t.DocumentField) {
			return nil, &MissingAttributeError{Attribute: t.DocumentField, Role: "document"}
		}
		return &RecordMapper{indexField: t.IndexField, documentField: t.DocumentField}, nil
	case nil:
		return nil, errors.New("index target is nil")
	default:
		return nil, fmt.Errorf("unsupported index target %T", target)
	}
}

// Map returns the document for r. Empty documents are passed through.
// Documents with line breaks are compacted, or rejected with
// ErrInvalidDocument when they are not valid JSON.
func (m *RecordMapper) Map(r Record) (Document, error) {
	doc, err := m.mapRecord(r)
	if err != nil {
		return Document{}, err
	}
	if doc.Body, err = compactBody(doc.Body); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (m *RecordMapper) mapRecord(r Record) (Document, error) {
	index := m.index
	if m.indexField != "" {
		v, ok := r.Fields[m.indexField]
		if !ok {
			return Document{}, &MissingAttributeError{Attribute: m.indexField, Role: "index name"}
		}
		if v == "" {
			return Document{}, ErrMissingIndex
		}
		index = v
	}
	if m.documentField == "" {
		return Document{Index: index, Body: r.Value}, nil
	}
	v, ok := r.Fields[m.documentField]
	if !ok {
		return Document{}, &MissingAttributeError{Attribute: m.documentField, Role: "document"}
	}
	return Document{Index: index, Body: []byte(v)}, nil
}

// compactBody returns body on a single line. Every bulk document occupies
// exactly one line of the request body.
func compactBody(body []byte) ([]byte, error) {
	if bytes.IndexByte(body, '\n') < 0 && bytes.IndexByte(body, '\r') < 0 {
		return body, nil
	}
	// A line break inside a JSON string must be escaped, so in valid JSON
	// line breaks are whitespace only.
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: line break in a body that is not valid JSON", ErrInvalidDocument)
	}
	return pretty.Ugly(body), nil
}
