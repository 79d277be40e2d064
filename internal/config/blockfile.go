package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/salvo/internal/model"
)

// BlockFile is the YAML document describing one or more blocks.
type BlockFile struct {
	Blocks []model.BlockSpec `yaml:"blocks"`
}

// LoadBlockFile reads and validates a YAML block file. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func LoadBlockFile(path string) ([]model.BlockSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block file: %w", err)
	}
	specs, err := ParseBlocks(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseBlocks decodes a block document from r. Defaults are applied and
// every spec is validated.
func ParseBlocks(r io.Reader) ([]model.BlockSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f BlockFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no blocks defined", model.ErrInvalidSpec)
		}
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks defined", model.ErrInvalidSpec)
	}

	for i := range f.Blocks {
		f.Blocks[i].ApplyDefaults()
		if err := f.Blocks[i].Validate(); err != nil {
			return nil, fmt.Errorf("block %d (%s): %w", i, f.Blocks[i].Name, err)
		}
	}
	return f.Blocks, nil
}
