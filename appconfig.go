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
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigStore looks up named application configurations.
type ConfigStore interface {
	Lookup(name string) (ApplicationConfig, bool)
}

// ApplicationConfig is a named, externally stored set of connection
// properties. It is the [name] table of an application configuration file:
//
//	[es]
//	nodeList = "localhost:9200,localhost:9201"
//	userName = "elastic"
//	password = "changeme"
//	sslEnabled = true
//	sslTrustAllCertificates = false
type ApplicationConfig struct {
	NodeList                string `toml:"nodeList"`
	UserName                string `toml:"userName"`
	Password                string `toml:"password"`
	SSLEnabled              bool   `toml:"sslEnabled"`
	SSLTrustAllCertificates bool   `toml:"sslTrustAllCertificates"`
}

var requiredProperties = []string{
	"nodeList", "userName", "password", "sslEnabled", "sslTrustAllCertificates",
}

// ConnectionConfig converts the application configuration.
func (c ApplicationConfig) ConnectionConfig() ConnectionConfig {
	var nodes []string
	for _, node := range strings.Split(c.NodeList, ",") {
		if node = strings.TrimSpace(node); node != "" {
			nodes = append(nodes, node)
		}
	}
	return ConnectionConfig{
		Nodes:                   nodes,
		Username:                c.UserName,
		Password:                c.Password,
		SSLEnabled:              c.SSLEnabled,
		SSLTrustAllCertificates: c.SSLTrustAllCertificates,
	}
}

// ApplicationConfigs holds application configurations by name.
type ApplicationConfigs map[string]ApplicationConfig

// Lookup implements ConfigStore.
func (cs ApplicationConfigs) Lookup(name string) (ApplicationConfig, bool) {
	c, ok := cs[name]
	return c, ok
}

// Names returns the configuration names in sorted order.
func (cs ApplicationConfigs) Names() []string {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadApplicationConfigs reads application configurations from a TOML file.
func LoadApplicationConfigs(path string) (ApplicationConfigs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open application configuration file: %w", err)
	}
	defer f.Close()
	return ParseApplicationConfigs(f)
}

// ParseApplicationConfigs decodes application configurations. Every table
// must define all of nodeList, userName, password, sslEnabled and
// sslTrustAllCertificates.
func ParseApplicationConfigs(r io.Reader) (ApplicationConfigs, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read application configurations: %w", err)
	}
	var cs ApplicationConfigs
	md, err := toml.Decode(string(data), &cs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, name := range cs.Names() {
		for _, key := range requiredProperties {
			if !md.IsDefined(name, key) {
				return nil, fmt.Errorf("%w: %q is missing required property %q", ErrInvalidConfig, name, key)
			}
		}
		if len(cs[name].ConnectionConfig().Nodes) == 0 {
			return nil, fmt.Errorf("%w: %q has an empty nodeList", ErrInvalidConfig, name)
		}
	}
	return cs, nil
}
