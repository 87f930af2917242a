package config

// Section defines the configuration lifecycle shared by every config block.
type Section interface {
	// ApplyDefaults fills zero values with sensible defaults
	ApplyDefaults()

	// ApplyEnvOverrides applies environment variable overrides
	ApplyEnvOverrides()

	// Validate returns an error if the configuration is invalid.
	Validate() error
}
