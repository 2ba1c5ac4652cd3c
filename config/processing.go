package config

import "fmt"

// Prompt structures accepted by ProcessingConfig.DefaultStructure and by the
// promptStructure request option.
const (
	StructureSystemHeavy = "system-heavy"
	StructureUserHeavy   = "user-heavy"
)

// ProcessingConfig defines how requests are turned into prompts
type ProcessingConfig struct {
	// DefaultStructure is used when a request names no prompt structure
	DefaultStructure string `yaml:"default_structure"`
}

// Validate checks the processing section.
func (p ProcessingConfig) Validate() error {
	switch p.DefaultStructure {
	case StructureSystemHeavy, StructureUserHeavy:
		return nil
	default:
		return fmt.Errorf("invalid default prompt structure: %q", p.DefaultStructure)
	}
}
