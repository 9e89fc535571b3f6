// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

package govern

import (
	"time"

	"github.com/deep-rent/govern/backoff"
	"github.com/deep-rent/govern/config"
	"github.com/deep-rent/govern/env"
)

// EnvPrefix is the prefix LoadConfigFromEnv applies to every variable name
// in Config's env tags, e.g. RETRIES becomes NEXUS_RETRIES.
const EnvPrefix = "NEXUS_"

// Config carries every tunable named in the specification's §6 options
// table. It can be populated three ways, all of which end up feeding the
// same struct: functional options passed to New, env.Unmarshal (via the
// `env` tags below, prefixed NEXUS_), or config.Load/config.Save against a
// JSON or YAML file.
type Config struct {
	Mode Mode `env:"-" json:"-" yaml:"-"`
	// ModeName is env/codec-friendly mirror of Mode ("automatic" or
	// "manual"); call Normalize after unmarshaling to apply it to Mode.
	ModeName string `env:"MODE,default:automatic"`

	Retries int `env:"RETRIES,default:3"`

	BackoffKind backoff.Kind `env:"-" json:"-" yaml:"-"`
	// BackoffKindName is the env/codec-friendly mirror of BackoffKind; call
	// Normalize after unmarshaling to apply it to BackoffKind.
	BackoffKindName string `env:"BACKOFF_TYPE,default:exponential"`

	MaxRequestsToStore int `env:"MAX_REQUESTS_TO_STORE,default:100"`

	MaxConcurrentRequests int `env:"MAX_CONCURRENT_REQUESTS,default:4"`

	// MaxQueueSize <= 0 means unbounded.
	MaxQueueSize int `env:"MAX_QUEUE_SIZE,default:0"`

	QueueDelay time.Duration `env:"QUEUE_DELAY,unit:ms,default:0"`

	BlockingQueueThreshold int `env:"BLOCKING_QUEUE_THRESHOLD,default:0"`

	ThrowErrorOnFailedRetries bool `env:"THROW_ERROR_ON_FAILED_RETRIES,default:true"`

	ThrowErrorOnCancelRequest bool `env:"THROW_ERROR_ON_CANCEL_REQUEST,default:true"`

	Debug bool `env:"DEBUG,default:false"`

	EnableSanitization bool `env:"ENABLE_SANITIZATION,default:true"`
}

// DefaultConfig returns the configuration New uses before applying options,
// mirroring the defaults documented on the struct's env tags above.
func DefaultConfig() Config {
	return Config{
		Mode:                      Automatic,
		ModeName:                  "automatic",
		Retries:                   3,
		BackoffKind:               backoff.Exponential,
		BackoffKindName:           "exponential",
		MaxRequestsToStore:        100,
		MaxConcurrentRequests:     4,
		MaxQueueSize:              0,
		QueueDelay:                0,
		BlockingQueueThreshold:    0,
		ThrowErrorOnFailedRetries: true,
		ThrowErrorOnCancelRequest: true,
		Debug:                     false,
		EnableSanitization:        true,
	}
}

// Normalize applies ModeName and BackoffKindName (as populated by
// env.Unmarshal or config.Load) onto the typed Mode and BackoffKind
// fields. Call it after unmarshaling a Config from environment variables
// or a file, before passing it to New via WithConfig.
func (c *Config) Normalize() {
	if c.ModeName == "manual" {
		c.Mode = Manual
	} else {
		c.Mode = Automatic
	}
	c.BackoffKind = backoff.ParseKind(c.BackoffKindName)
}

// LoadConfigFromEnv reads a Config from environment variables prefixed
// NEXUS_ (e.g. NEXUS_RETRIES, NEXUS_MAX_CONCURRENT_REQUESTS), starting from
// DefaultConfig so unset variables keep their defaults. The returned Config
// is normalized and ready to pass to New via WithConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Unmarshal(&cfg, env.WithPrefix(EnvPrefix)); err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadConfigFile reads a Config from a JSON or YAML file at path, inferring
// the codec from its extension, then normalizes it.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := config.Load(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	return cfg, nil
}

// SaveConfigFile writes cfg to path as JSON or YAML, inferring the codec
// from its extension. ModeName and BackoffKindName should be kept in sync
// with Mode and BackoffKind before calling (e.g. by round-tripping through
// Normalize) since the typed fields are excluded from serialization.
func SaveConfigFile(path string, cfg Config) error {
	return config.Save(path, &cfg)
}
