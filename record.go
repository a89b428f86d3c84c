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

// Record is a single input tuple.
//
// Single-value streams set Value; structured streams set Fields.
type Record struct {
	Value  []byte
	Fields map[string]string
}

// StringRecord returns a single-value record.
func StringRecord(s string) Record {
	return Record{Value: []byte(s)}
}

// Schema declares the attributes of structured records. The zero Schema,
// ValueSchema, describes single-value streams.
type Schema struct {
	Attributes []string
}

// ValueSchema is the schema of single-value streams.
var ValueSchema = Schema{}

// NewSchema returns a structured schema with the given attribute names.
func NewSchema(attributes ...string) Schema {
	return Schema{Attributes: attributes}
}

// Structured reports whether records carry named attributes.
func (s Schema) Structured() bool {
	return len(s.Attributes) > 0
}

// Has reports whether name is a schema attribute.
func (s Schema) Has(name string) bool {
	for _, attr := range s.Attributes {
		if attr == name {
			return true
		}
	}
	return false
}
