package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleConfidenceTwiceRestoresOriginal(t *testing.T) {
	for _, start := range []float64{0.5, 0.7, 0.3, 0.9, 0.1, 0.0, 1.0} {
		cfg := NewDefaultConfig()
		cfg.SetConfidence(start)

		cfg.ToggleConfidence()
		cfg.ToggleConfidence()

		assert.Equal(t, start, cfg.GetConfidence(), "start %.2f", start)
	}
}

func TestToggleConfidenceFromDefault(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Equal(t, 0.5, cfg.GetConfidence())

	assert.Equal(t, 0.7, cfg.ToggleConfidence())
	assert.Equal(t, 0.7, cfg.GetConfidence())
	assert.Equal(t, 0.5, cfg.ToggleConfidence())
	assert.Equal(t, 0.5, cfg.GetConfidence())
	assert.Equal(t, 0.7, cfg.ToggleConfidence())
}

func TestToggleConfidenceUsesPresets(t *testing.T) {
	cfg := NewDefaultConfig()

	cfg.SetConfidence(0.5)
	assert.Equal(t, HighConfidencePreset, cfg.ToggleConfidence())

	cfg.SetConfidence(0.8)
	assert.Equal(t, LowConfidencePreset, cfg.ToggleConfidence())
	assert.Equal(t, 0.8, cfg.ToggleConfidence())
}

func TestSetConfidenceResetsToggle(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetConfidence(0.5)
	cfg.ToggleConfidence()

	cfg.SetConfidence(0.6)
	assert.Equal(t, LowConfidencePreset, cfg.ToggleConfidence())
}

func TestSetConfidenceClamps(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetConfidence(1.7)
	assert.Equal(t, 1.0, cfg.GetConfidence())
	cfg.SetConfidence(-2)
	assert.Equal(t, 0.0, cfg.GetConfidence())
}

func TestLoadConfigFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.GetConfidence())
	assert.Equal(t, 0.45, cfg.GetIoU())
	assert.Equal(t, DefaultEquipmentClasses, cfg.EquipmentModel.Classes)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewDefaultConfig()
	cfg.SetConfidence(0.65)
	cfg.OutputPath = "out.mp4"
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.65, loaded.GetConfidence())
	assert.Equal(t, "out.mp4", loaded.OutputPath)
}

func TestLoadConfigFileBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := LoadConfigFile(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Confidence = 1.5
	cfg.ActiveSource = "youtube"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
	assert.Contains(t, err.Error(), "unknown source")
}
