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

package bulkinsert_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-bulkinsert"
)

const appConfigs = `
[es]
nodeList = "node1:9200,node2:9200"
userName = "elastic"
password = "changeme"
sslEnabled = true
sslTrustAllCertificates = false

[staging]
nodeList = "staging:9200"
userName = "ingest"
password = "s3cret"
sslEnabled = false
sslTrustAllCertificates = true
`

func TestParseApplicationConfigs(t *testing.T) {
	configs, err := bulkinsert.ParseApplicationConfigs(strings.NewReader(appConfigs))
	require.NoError(t, err)
	assert.Equal(t, []string{"es", "staging"}, configs.Names())
	assert.Equal(t, bulkinsert.ApplicationConfig{
		NodeList:   "node1:9200,node2:9200",
		UserName:   "elastic",
		Password:   "changeme",
		SSLEnabled: true,
	}, configs["es"])

	appConfig, ok := configs.Lookup("staging")
	require.True(t, ok)
	assert.Equal(t, bulkinsert.ConnectionConfig{
		Nodes:                   []string{"staging:9200"},
		Username:                "ingest",
		Password:                "s3cret",
		SSLTrustAllCertificates: true,
	}, appConfig.ConnectionConfig())
}

func TestParseApplicationConfigsInvalid(t *testing.T) {
	for _, tc := range []struct {
		Name   string
		Config string
	}{
		{
			Name: "missing_password",
			Config: `
[es]
nodeList = "localhost:9200"
userName = "elastic"
sslEnabled = false
sslTrustAllCertificates = false
`,
		},
		{
			Name: "missing_ssl_flags",
			Config: `
[es]
nodeList = "localhost:9200"
userName = "elastic"
password = "changeme"
`,
		},
		{
			Name: "empty_node_list",
			Config: `
[es]
nodeList = " , "
userName = "elastic"
password = "changeme"
sslEnabled = false
sslTrustAllCertificates = false
`,
		},
		{
			Name:   "not_toml",
			Config: `[es`,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := bulkinsert.ParseApplicationConfigs(strings.NewReader(tc.Config))
			assert.ErrorIs(t, err, bulkinsert.ErrInvalidConfig)
		})
	}
}

func TestLoadApplicationConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appconfig.toml")
	require.NoError(t, os.WriteFile(path, []byte(appConfigs), 0o600))

	configs, err := bulkinsert.LoadApplicationConfigs(path)
	require.NoError(t, err)

	conn, err := bulkinsert.ResolveCredentials("staging", configs)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://staging:9200"}, conn.Addresses())

	_, err = bulkinsert.LoadApplicationConfigs(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
