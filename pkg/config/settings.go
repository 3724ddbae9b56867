// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Param is a named hyperparameter and its current value.
type Param struct {
	Key   string
	Value any
}

// pointers returns the settable hyperparameters, in display order.
// The parallelism sizes are not included: they are set with their own flags.
func (c *Config) pointers() []Param {
	return []Param{
		{"global_batch_size", &c.GlobalBatchSize},
		{"seq_len", &c.SeqLen},
		{"vocab_size", &c.VocabSize},
		{"emb_size", &c.EmbSize},
		{"hidden_size", &c.HiddenSize},
		{"seed", &c.Seed},
		{"train_percent", &c.TrainPercent},
	}
}

// Params returns the hyperparameters that can be changed with ParseSettings, with their values.
func (c Config) Params() []Param {
	params := c.pointers()
	for ii, p := range params {
		switch ptr := p.Value.(type) {
		case *int:
			params[ii].Value = *ptr
		case *int64:
			params[ii].Value = *ptr
		case *float64:
			params[ii].Value = *ptr
		}
	}
	return params
}

// ParseSettings updates the configuration from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns an error in case a parameter is unknown or the parsing failed.
func ParseSettings(c *Config, settings string) error {
	known := c.pointers()
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		key, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		var target any
		for _, p := range known {
			if p.Key == key {
				target = p.Value
				break
			}
		}
		if target == nil {
			return errors.Errorf("can't set parameter %q: unknown parameter, see SettingsUsage() for the list", key)
		}

		var err error
		switch ptr := target.(type) {
		case *int:
			valueStr = strings.ReplaceAll(valueStr, "_", "")
			err = json.Unmarshal([]byte(valueStr), ptr)
		case *int64:
			valueStr = strings.ReplaceAll(valueStr, "_", "")
			err = json.Unmarshal([]byte(valueStr), ptr)
		case *float64:
			err = json.Unmarshal([]byte(valueStr), ptr)
		default:
			err = fmt.Errorf("don't know how to parse type %T for setting parameter %q", target, setting)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, key)
		}
	}
	return nil
}

// SettingsUsage returns a description of the parameters accepted by ParseSettings, to be used
// as the usage of a command-line flag.
func SettingsUsage() string {
	parts := []string{
		`Set model and data hyperparameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`Current available parameters that can be set:`,
	}
	for _, p := range Default().Params() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", p.Key, p.Value))
	}
	return strings.Join(parts, "\n")
}
