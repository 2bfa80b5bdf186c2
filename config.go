// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package openssd

import (
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/dswarbrick/openssd/ecc"
	"github.com/dswarbrick/openssd/fil"
	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/pcie"
)

// Config assembles a device. Zero values take the reference defaults.
type Config struct {
	Geometry flash.Geometry `yaml:"geometry"`

	// MetaDir is the directory backing the persisted metadata store.
	MetaDir string `yaml:"meta_dir"`

	CapacityBytes   uint64 `yaml:"capacity_bytes"`
	DataCacheBytes  uint64 `yaml:"data_cache_bytes"`
	XlateCacheBytes uint64 `yaml:"xlate_cache_bytes"`

	NrWorkers  int `yaml:"workers"`
	NrFlushers int `yaml:"flushers"`
	// NoWriteCache disables the volatile write cache (write-through).
	NoWriteCache bool `yaml:"no_write_cache"`
	Multiplane   bool `yaml:"multiplane"`

	PlaneAllocScheme ftl.PlaneAllocScheme `yaml:"-"`

	// MDTS exponent advertised in identify (2^n host pages).
	MaxDataTransferSize uint8 `yaml:"mdts"`

	// Link is the host connection; required. Controllers optionally
	// replaces the default memory-backed NAND controllers.
	Link        pcie.Link        `yaml:"-"`
	Controllers []fil.Controller `yaml:"-"`

	DMAChannels     int    `yaml:"dma_channels"`
	MaxReadRequest  uint32 `yaml:"max_read_request"`
	MaxWritePayload uint32 `yaml:"max_write_payload"`

	ECCEngine   ecc.Engine `yaml:"-"`
	ECCStepSize uint32     `yaml:"ecc_step_size"`
	ECCCodeSize uint32     `yaml:"ecc_code_size"`

	// Bring-up switches.
	WipeManifest     bool `yaml:"wipe_manifest"`
	WipeSSD          bool `yaml:"wipe_ssd"`
	WipeMapping      bool `yaml:"wipe_mapping_table"`
	FullBadBlockScan bool `yaml:"full_bad_block_scan"`

	Log zerolog.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Geometry == (flash.Geometry{}) {
		c.Geometry = flash.DefaultGeometry()
	}
	if c.MetaDir == "" {
		c.MetaDir = "meta"
	}
	if c.CapacityBytes == 0 {
		// A quarter of the raw array: only the LSB half of each block is
		// in use, and half of that is left as headroom for mapping pages
		// and over-provisioning.
		c.CapacityBytes = c.Geometry.TotalPages() * uint64(c.Geometry.PageSize) / 4
	}
	if c.DataCacheBytes == 0 {
		c.DataCacheBytes = 512 << 20
	}
	if c.XlateCacheBytes == 0 {
		c.XlateCacheBytes = 1 << 30
	}
	if c.NrWorkers == 0 {
		c.NrWorkers = 16
	}
	if c.NrFlushers == 0 {
		c.NrFlushers = 8
	}
	if c.MaxDataTransferSize == 0 {
		c.MaxDataTransferSize = 8
	}
	if c.DMAChannels == 0 {
		c.DMAChannels = 8
	}
	if c.ECCStepSize == 0 {
		c.ECCStepSize = 512
	}
	if c.ECCCodeSize == 0 {
		c.ECCCodeSize = 4
	}
	if c.ECCEngine == nil {
		c.ECCEngine = ecc.NewSoftEngine(c.ECCStepSize)
	}
}

// LoadConfig reads a YAML device configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
