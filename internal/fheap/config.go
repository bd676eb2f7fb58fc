package fheap

import (
	"fmt"
	"os"

	"github.com/garethgeorge/fheapspace/internal/dtable"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config describes a heap and how its images are written.
type Config struct {
	Table dtable.Params `yaml:",inline"`
	// Checksum is the digest sealing saved images.
	Checksum         string `yaml:"checksum" validate:"oneof=xxhash sha256 blake3"`
	CompressionLevel int    `yaml:"compression_level" validate:"min=1,max=22"`
	// MaxSections caps the section nodes in memory, 0 for no cap.
	MaxSections int `yaml:"max_sections" validate:"min=0"`
	// Paranoid validates every section the free list links.
	Paranoid bool `yaml:"paranoid"`
}

func DefaultConfig() Config {
	return Config{
		Table: dtable.Params{
			Width:          4,
			StartBlockSize: 512,
			MaxDirectSize:  64 * 1024,
			MaxIndex:       32,
			DirectOverhead: 64,
		},
		Checksum:         imagefile.DigestXXHash.String(),
		CompressionLevel: 3,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.Table.Validate()
}

// LoadConfig reads a YAML config. Keys it leaves out keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
