//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	mapset "github.com/deckarep/golang-set"
	"github.com/nestybox/sysbox-iova/reservedRegions"
	"golang.org/x/sys/unix"
)

const (
	didStartDefault uint32 = 1      // domain id 0 is reserved
	didCountDefault uint32 = 0xffff // 16-bit domain ids
)

// reserveConfig is a static reservation, in byte addresses (inclusive)
type reserveConfig struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

type domainConfig struct {
	Name            string          `toml:"name"`
	Limit32Pfn      uint64          `toml:"limit-32bit-pfn"`
	StartPfn        *uint64         `toml:"start-pfn"`
	ReservedRegions []string        `toml:"reserved-regions"`
	ReservedTypes   []string        `toml:"reserved-types"`
	Inherit         string          `toml:"inherit"`
	Reserve         []reserveConfig `toml:"reserve"`
}

type mgrConfig struct {
	PageSize      uint64         `toml:"page-size"`
	DomainIDStart *uint32        `toml:"domain-id-start"`
	DomainIDCount uint32         `toml:"domain-id-count"`
	Domains       []domainConfig `toml:"domain"`

	pageShift uint
}

// loadConfig reads the iova-mgr config file
func loadConfig(path string) (*mgrConfig, error) {
	var cfg mgrConfig

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}

	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("config file %s: %v", path, err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("config file %s: %v", path, err)
	}

	return &cfg, nil
}

// parseConfig is like loadConfig but takes the config data directly
func parseConfig(data string) (*mgrConfig, error) {
	var cfg mgrConfig

	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, err
	}

	if err := checkUndecoded(md); err != nil {
		return nil, err
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}

// setDefaults fills in unset config values and validates the config
func (cfg *mgrConfig) setDefaults() error {
	var err error

	if cfg.PageSize == 0 {
		cfg.PageSize = uint64(unix.Getpagesize())
	}

	cfg.pageShift, err = reservedRegions.PageShift(cfg.PageSize)
	if err != nil {
		return err
	}

	if cfg.DomainIDStart == nil {
		start := didStartDefault
		cfg.DomainIDStart = &start
	}

	if cfg.DomainIDCount == 0 {
		cfg.DomainIDCount = didCountDefault
	}

	seen := mapset.NewSet()

	for i := range cfg.Domains {
		dc := &cfg.Domains[i]

		if dc.Name == "" {
			return fmt.Errorf("domain #%d has no name", i)
		}

		if seen.Contains(dc.Name) {
			return fmt.Errorf("duplicate domain %q", dc.Name)
		}

		if dc.Inherit != "" && !seen.Contains(dc.Inherit) {
			return fmt.Errorf("domain %q inherits from %q, which is not defined before it", dc.Name, dc.Inherit)
		}

		seen.Add(dc.Name)

		// highest pfn reachable with 32-bit dma addresses
		if dc.Limit32Pfn == 0 {
			dc.Limit32Pfn = (1<<32 - 1) >> cfg.pageShift
		}

		for _, r := range dc.Reserve {
			if r.Start > r.End {
				return fmt.Errorf("domain %q: reservation start %#x is above its end %#x", dc.Name, r.Start, r.End)
			}
		}
	}

	return nil
}
