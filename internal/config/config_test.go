package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	c := Default()
	c.Input.Dir = t.TempDir()
	c.Output.Dir = filepath.Join(t.TempDir(), "out")
	return c
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, FormatList{
		{Suffix: "_XL", Width: 1440, Height: 1080},
		{Suffix: "_MD", Width: 632, Height: 474},
		{Suffix: "_SM", Width: 260, Height: 195},
	}, c.Formats)
	assert.Equal(t, 90, c.Output.Quality)
	assert.Equal(t, 0.15, c.Detection.ConfidenceThreshold)

	var cerr *Error
	require.True(t, errors.As(c.Validate(), &cerr), "defaults have no input dir")
	assert.Equal(t, "input.dir", cerr.Field)

	require.NoError(t, validConfig(t).Validate())
}

func TestLoadFromFileMappingKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
input:
  dir: ./photos
output:
  dir: ./crops
  format: webp
formats:
  _SM: {width: 260, height: 195}
  _BANNER: {width: 1200, height: 300}
  _XL: {width: 1440, height: 1080}
detection:
  backend: none
  timeout: 90s
unknown_section:
  ignored: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "./photos", c.Input.Dir)
	assert.Equal(t, "webp", c.Output.Format)
	assert.Equal(t, 90, c.Output.Quality, "unset keys keep their defaults")
	assert.Equal(t, FormatList{
		{Suffix: "_SM", Width: 260, Height: 195},
		{Suffix: "_BANNER", Width: 1200, Height: 300},
		{Suffix: "_XL", Width: 1440, Height: 1080},
	}, c.Formats)
	assert.Equal(t, 90*time.Second, c.Detection.Timeout)
}

func TestLoadFromFileListForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	js := `{"formats": [{"suffix": "_A", "width": 10, "height": 20}, {"suffix": "_B", "width": 3, "height": 3}]}`
	require.NoError(t, os.WriteFile(path, []byte(js), 0644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, FormatList{{Suffix: "_A", Width: 10, Height: 20}, {Suffix: "_B", Width: 3, Height: 3}}, c.Formats)
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	var cerr *Error
	assert.True(t, errors.As(err, &cerr))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("formats: 42\n"), 0644))
	_, err = LoadFromFile(bad)
	assert.True(t, errors.As(err, &cerr))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	c := validConfig(t)
	c.Formats = FormatList{{Suffix: "_Z", Width: 5, Height: 7}, {Suffix: "_A", Width: 1, Height: 1}}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, c.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(c *Config)
	}{
		{"input.dir", func(c *Config) { c.Input.Dir = filepath.Join(c.Input.Dir, "nope") }},
		{"input.extensions", func(c *Config) { c.Input.Extensions = nil }},
		{"output.dir", func(c *Config) { c.Output.Dir = "" }},
		{"output.dir", func(c *Config) { c.Output.Dir = c.Input.Dir + string(filepath.Separator) }},
		{"output.format", func(c *Config) { c.Output.Format = "gif" }},
		{"output.quality", func(c *Config) { c.Output.Quality = 0 }},
		{"formats", func(c *Config) { c.Formats = nil }},
		{"formats", func(c *Config) { c.Formats = FormatList{{Width: 1, Height: 1}} }},
		{"formats._A", func(c *Config) { c.Formats = FormatList{{Suffix: "_A", Width: 0, Height: 1}} }},
		{"formats._A", func(c *Config) {
			c.Formats = FormatList{{Suffix: "_A", Width: 1, Height: 1}, {Suffix: "_A", Width: 2, Height: 2}}
		}},
		{"formats./x", func(c *Config) { c.Formats = FormatList{{Suffix: "/x", Width: 1, Height: 1}} }},
		{"detection.backend", func(c *Config) { c.Detection.Backend = "yolo" }},
		{"detection.url", func(c *Config) { c.Detection.URL = "localhost" }},
		{"detection.prompts", func(c *Config) { c.Detection.Prompts = nil }},
		{"detection.confidence_threshold", func(c *Config) { c.Detection.ConfidenceThreshold = 1.5 }},
		{"detection.requests_per_second", func(c *Config) { c.Detection.RequestsPerSecond = -1 }},
		{"saliency.method", func(c *Config) { c.Saliency.Method = "magic" }},
		{"focal.edge_margin", func(c *Config) { c.Focal.EdgeMargin = 0.5 }},
		{"cropper.zoom", func(c *Config) { c.Cropper.Zoom = 0 }},
		{"cropper.filter", func(c *Config) { c.Cropper.Filter = "nearest" }},
		{"processing.workers", func(c *Config) { c.Processing.Workers = -2 }},
		{"processing.min_image_size", func(c *Config) { c.Processing.MinImageSize = 0 }},
		{"logging.level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)

			err := c.Validate()
			var cerr *Error
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestValidateNoDetector(t *testing.T) {
	c := validConfig(t)
	c.Detection.Backend = "none"
	c.Detection.Prompts = nil
	c.Detection.URL = ""
	assert.NoError(t, c.Validate())
}

func TestEffectiveWorkers(t *testing.T) {
	c := Default()
	assert.GreaterOrEqual(t, c.EffectiveWorkers(), 1)

	c.Processing.Workers = 3
	assert.Equal(t, 3, c.EffectiveWorkers())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "config: formats cannot be empty", (&Error{"formats", "cannot be empty"}).Error())
	assert.Equal(t, "config: boom", (&Error{Reason: "boom"}).Error())
}
