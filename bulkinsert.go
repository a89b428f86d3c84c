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

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.uber.org/zap"
)

// BulkInsert stores every record received on records in the index named
// index, until records is closed or ctx is done.
//
// Records are single values, or structured records whose cfg.Schema holds
// exactly one attribute. cfg.Target is replaced.
func BulkInsert(
	ctx context.Context,
	client elastictransport.Interface,
	index string,
	records <-chan Record,
	cfg Config,
) error {
	cfg.Target = StaticIndex{Name: index}
	return run(ctx, client, records, cfg)
}

// BulkInsertDynamic stores every record received on records in the index
// named by its indexField attribute, using its documentField attribute as
// the document.
//
// If cfg.Schema is unset, it defaults to the two attributes.
func BulkInsertDynamic(
	ctx context.Context,
	client elastictransport.Interface,
	indexField, documentField string,
	records <-chan Record,
	cfg Config,
) error {
	cfg.Target = DynamicIndex{IndexField: indexField, DocumentField: documentField}
	if !cfg.Schema.Structured() {
		cfg.Schema = NewSchema(indexField, documentField)
	}
	return run(ctx, client, records, cfg)
}

// run feeds records into a new Inserter. Rejected records are logged and
// skipped; a fatal error stops the stage. When ctx is done the stage is
// drained for up to cfg.DrainTimeout.
func run(ctx context.Context, client elastictransport.Interface, records <-chan Record, cfg Config) error {
	cfg = DefaultConfig(cfg)
	inserter, err := New(client, cfg)
	if err != nil {
		return err
	}
	drain := func() error {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
		defer cancel()
		return inserter.Close(drainCtx)
	}
	for {
		select {
		case <-ctx.Done():
			return errors.Join(drain(), ctx.Err())
		case <-inserter.ctx.Done():
			// Aborted by a fatal submission error.
			return drain()
		case r, ok := <-records:
			if !ok {
				return drain()
			}
			err := inserter.Insert(ctx, r)
			switch {
			case err == nil:
			case errors.Is(err, ErrFatal), errors.Is(err, ErrClosed):
				if closeErr := drain(); closeErr != nil {
					return closeErr
				}
				return err
			case ctx.Err() != nil:
				return errors.Join(drain(), ctx.Err())
			default:
				cfg.Logger.Warn("skipping record", zap.Error(err))
			}
		}
	}
}
