// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flvtap

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config carries the collaborator toggles the CLI needs. It is loaded from
// an optional YAML file, with CLI flags as an override on top.
type Config struct {
	IgnoreMissing    bool
	InsertZeros      bool
	DefaultChunkSize uint32
	MaxRoutingID     uint32
	Port             uint16
	Verbose          bool
}

const (
	defaultChunkSize    = 128
	defaultMaxRoutingID = 16
	defaultPort         = 1935
)

// DefaultConfig returns the toggles' documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultChunkSize: defaultChunkSize,
		MaxRoutingID:     defaultMaxRoutingID,
		Port:             defaultPort,
	}
}

// LoadConfig builds a Config from an optional YAML underlay at path (skipped
// if path is empty) with viper's own defaulting, ready for CLI flags to
// override afterward.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("ignore_missing", false)
	v.SetDefault("insert_zeros", false)
	v.SetDefault("default_chunk_size", defaultChunkSize)
	v.SetDefault("max_routing_id", defaultMaxRoutingID)
	v.SetDefault("port", defaultPort)
	v.SetDefault("verbose", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return Config{
		IgnoreMissing:    v.GetBool("ignore_missing"),
		InsertZeros:      v.GetBool("insert_zeros"),
		DefaultChunkSize: uint32(v.GetInt("default_chunk_size")),
		MaxRoutingID:     uint32(v.GetInt("max_routing_id")),
		Port:             uint16(v.GetInt("port")),
		Verbose:          v.GetBool("verbose"),
	}, nil
}
