package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/focal-crop/internal/utils"
	"github.com/menta2k/focal-crop/pkg/processing"
	"github.com/menta2k/focal-crop/pkg/saliency"
	"github.com/menta2k/focal-crop/pkg/types"
)

// Error is a fatal configuration problem, reported before any file is touched
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Config holds the application configuration
type Config struct {
	Input      InputConfig      `yaml:"input"`
	Output     OutputConfig     `yaml:"output"`
	Formats    FormatList       `yaml:"formats"`
	Detection  DetectionConfig  `yaml:"detection"`
	Saliency   SaliencyConfig   `yaml:"saliency"`
	Focal      FocalConfig      `yaml:"focal"`
	Cropper    CropperConfig    `yaml:"cropper"`
	Processing ProcessingConfig `yaml:"processing"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InputConfig selects the source images
type InputConfig struct {
	Dir        string   `yaml:"dir"`
	Extensions []string `yaml:"extensions"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir      string `yaml:"dir"`
	Format   string `yaml:"format"`
	Quality  int    `yaml:"quality"`
	Lossless bool   `yaml:"lossless"`
}

// DetectionConfig holds configuration for the vision-model detector
type DetectionConfig struct {
	// Backend is ollama, llamacpp or none
	Backend             string        `yaml:"backend"`
	URL                 string        `yaml:"url"`
	Model               string        `yaml:"model"`
	Prompts             []string      `yaml:"prompts"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	SendSize            int           `yaml:"send_size"`
	SendQuality         int           `yaml:"send_quality"`
	Timeout             time.Duration `yaml:"timeout"`
	// RequestsPerSecond throttles model calls across all workers; 0 means unlimited
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// SaliencyConfig selects the saliency estimator
type SaliencyConfig struct {
	Method string `yaml:"method"`
}

// FocalConfig tunes focal point aggregation
type FocalConfig struct {
	WeightByArea bool    `yaml:"weight_by_area"`
	EdgeMargin   float64 `yaml:"edge_margin"`
}

// CropperConfig holds configuration for crop placement and resampling
type CropperConfig struct {
	Zoom   float64 `yaml:"zoom"`
	Filter string  `yaml:"filter"`
}

// ProcessingConfig holds configuration for the batch run
type ProcessingConfig struct {
	// Workers is the pool size; 0 uses the physical CPU count
	Workers      int `yaml:"workers"`
	MinImageSize int `yaml:"min_image_size"`
}

// LoggingConfig controls log level and the optional rotating log file
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint; empty Addr disables it
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

var (
	backends      = []string{"ollama", "llamacpp", "none"}
	outputFormats = []string{"jpg", "jpeg", "png", "webp"}
	logLevels     = []string{"debug", "info", "warn", "error"}
)

// Default returns a configuration with default values. Input and output
// directories have no default.
func Default() *Config {
	return &Config{
		Input: InputConfig{
			Extensions: []string{"jpg", "jpeg", "png", "webp"},
		},
		Output: OutputConfig{
			Format:  "jpg",
			Quality: 90,
		},
		Formats: FormatList{
			{Suffix: "_XL", Width: 1440, Height: 1080},
			{Suffix: "_MD", Width: 632, Height: 474},
			{Suffix: "_SM", Width: 260, Height: 195},
		},
		Detection: DetectionConfig{
			Backend:             "ollama",
			URL:                 "http://localhost:11434",
			Model:               "openbmb/minicpm-v4.5",
			Prompts:             []string{"building", "person", "crane"},
			ConfidenceThreshold: 0.15,
			SendSize:            1024,
			SendQuality:         85,
			Timeout:             5 * time.Minute,
		},
		Saliency: SaliencyConfig{Method: "edge"},
		Cropper: CropperConfig{
			Zoom:   1.0,
			Filter: "lanczos",
		},
		Processing: ProcessingConfig{
			MinImageSize: 16,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromFile loads configuration from a YAML (or JSON) file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("failed to read config file: %v", err)}
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("failed to parse config file %s: %v", filename, err)}
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. The first problem found is
// returned as an *Error.
func (c *Config) Validate() error {
	if c.Input.Dir == "" {
		return &Error{"input.dir", "is required"}
	}
	if !utils.DirExists(c.Input.Dir) {
		return &Error{"input.dir", fmt.Sprintf("%q is not a directory", c.Input.Dir)}
	}
	if len(c.Input.Extensions) == 0 {
		return &Error{"input.extensions", "cannot be empty"}
	}

	if c.Output.Dir == "" {
		return &Error{"output.dir", "is required"}
	}
	if sameDir(c.Input.Dir, c.Output.Dir) {
		return &Error{"output.dir", "must differ from input.dir"}
	}
	if !slices.Contains(outputFormats, strings.ToLower(c.Output.Format)) {
		return &Error{"output.format", fmt.Sprintf("must be one of %s", strings.Join(outputFormats, ", "))}
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return &Error{"output.quality", "must be between 1 and 100"}
	}

	if err := c.validateFormats(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}

	if !slices.Contains(saliency.Methods, strings.ToLower(c.Saliency.Method)) {
		return &Error{"saliency.method", fmt.Sprintf("must be one of %s", strings.Join(saliency.Methods, ", "))}
	}

	if c.Focal.EdgeMargin < 0 || c.Focal.EdgeMargin >= 0.5 {
		return &Error{"focal.edge_margin", "must be in [0, 0.5)"}
	}

	if c.Cropper.Zoom <= 0 || c.Cropper.Zoom > 1 {
		return &Error{"cropper.zoom", "must be in (0, 1]"}
	}
	if _, err := processing.FilterByName(c.Cropper.Filter); err != nil {
		return &Error{"cropper.filter", err.Error()}
	}

	if c.Processing.Workers < 0 {
		return &Error{"processing.workers", "must not be negative"}
	}
	if c.Processing.MinImageSize < 1 {
		return &Error{"processing.min_image_size", "must be positive"}
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		return &Error{"logging.level", fmt.Sprintf("must be one of %s", strings.Join(logLevels, ", "))}
	}

	return nil
}

func (c *Config) validateFormats() error {
	if len(c.Formats) == 0 {
		return &Error{"formats", "cannot be empty"}
	}
	seen := map[string]bool{}
	for _, f := range c.Formats {
		field := "formats." + f.Suffix
		switch {
		case f.Suffix == "":
			return &Error{"formats", "suffix cannot be empty"}
		case utils.SanitizeFilename(f.Suffix) != f.Suffix:
			return &Error{field, "suffix contains characters not allowed in file names"}
		case seen[f.Suffix]:
			return &Error{field, "is defined twice"}
		case f.Width <= 0 || f.Height <= 0:
			return &Error{field, fmt.Sprintf("size must be positive, got %dx%d", f.Width, f.Height)}
		}
		seen[f.Suffix] = true
	}
	return nil
}

func (c *Config) validateDetection() error {
	d := c.Detection
	backend := strings.ToLower(d.Backend)
	if !slices.Contains(backends, backend) {
		return &Error{"detection.backend", fmt.Sprintf("must be one of %s", strings.Join(backends, ", "))}
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return &Error{"detection.confidence_threshold", "must be between 0 and 1"}
	}
	if backend == "none" {
		return nil
	}

	if u, err := url.Parse(d.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{"detection.url", fmt.Sprintf("%q is not a valid URL", d.URL)}
	}
	if d.Model == "" && backend == "ollama" {
		return &Error{"detection.model", "is required for the ollama backend"}
	}
	if len(d.Prompts) == 0 {
		return &Error{"detection.prompts", "cannot be empty when a detector is enabled"}
	}
	if d.SendSize < 0 {
		return &Error{"detection.send_size", "must not be negative"}
	}
	if d.SendQuality < 0 || d.SendQuality > 100 {
		return &Error{"detection.send_quality", "must be between 0 and 100"}
	}
	if d.Timeout < 0 {
		return &Error{"detection.timeout", "must not be negative"}
	}
	if d.RequestsPerSecond < 0 {
		return &Error{"detection.requests_per_second", "must not be negative"}
	}
	return nil
}

// EffectiveWorkers resolves the configured pool size
func (c *Config) EffectiveWorkers() int {
	if c.Processing.Workers > 0 {
		return c.Processing.Workers
	}
	return DefaultWorkers()
}

// DefaultWorkers returns the physical core count, falling back to the logical
// count when it cannot be determined
func DefaultWorkers() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return max(runtime.NumCPU(), 1)
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "focal-crop", "config.yaml")
}

// FormatList is an ordered list of output formats. In YAML it is either a
// mapping of suffix to size, kept in document order, or a list of
// {suffix, width, height} entries.
type FormatList []types.FormatSpec

type formatSize struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// UnmarshalYAML implements yaml.Unmarshaler
func (f *FormatList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		list := make(FormatList, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var size formatSize
			if err := node.Content[i+1].Decode(&size); err != nil {
				return fmt.Errorf("format %s: %w", node.Content[i].Value, err)
			}
			list = append(list, types.FormatSpec{Suffix: node.Content[i].Value, Width: size.Width, Height: size.Height})
		}
		*f = list
	case yaml.SequenceNode:
		var list []types.FormatSpec
		if err := node.Decode(&list); err != nil {
			return err
		}
		*f = list
	default:
		return fmt.Errorf("line %d: formats must be a mapping or a list", node.Line)
	}
	return nil
}

// MarshalYAML writes the mapping form
func (f FormatList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, spec := range f {
		var value yaml.Node
		if err := value.Encode(formatSize{Width: spec.Width, Height: spec.Height}); err != nil {
			return nil, err
		}
		value.Style = yaml.FlowStyle
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: spec.Suffix},
			&value,
		)
	}
	return node, nil
}
