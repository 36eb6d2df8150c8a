package config

import (
	"fmt"
	"os"

	"mediaconverter/models"

	"gopkg.in/yaml.v3"
)

// PresetSet holds the deployment's presets, in declaration order per media type.
type PresetSet struct {
	Image models.Presets `yaml:"image"`
	Video models.Presets `yaml:"video"`
}

// For returns the presets that apply to a media type. Types without
// presets yield nil.
func (s PresetSet) For(mediaType models.MediaType) models.Presets {
	switch mediaType {
	case models.MediaImage:
		return s.Image
	case models.MediaVideo:
		return s.Video
	}
	return nil
}

func DefaultPresets() PresetSet {
	return PresetSet{
		Image: models.Presets{
			{Name: "thumbnail", Type: models.MediaImage, Width: 300, Height: 300, Format: "webp", Quality: 80, Suffix: "_thumb"},
			{Name: "medium", Type: models.MediaImage, Width: 800, Height: 800, Format: "webp", Quality: 85, Suffix: "_medium"},
		},
		Video: models.Presets{
			{Name: "web", Type: models.MediaVideo, Width: 1280, Height: 720, Format: "mp4", Bitrate: 5000000, Suffix: "_web"},
			{Name: "thumbnail", Type: models.MediaVideo, Width: 1280, Height: 720, Format: "jpg", Quality: 80, Suffix: "_thumb"},
		},
	}
}

// LoadPresets reads preset definitions from a YAML file of the form
//
//	image:
//	  - {name: thumbnail, width: 300, height: 300, format: webp, quality: 80, suffix: _thumb}
//	video:
//	  - {name: web, width: 1280, height: 720, format: mp4, bitrate: 5000000, suffix: _web}
func LoadPresets(path string) (PresetSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PresetSet{}, fmt.Errorf("failed to read presets file: %w", err)
	}

	var set PresetSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return PresetSet{}, fmt.Errorf("failed to parse presets file: %w", err)
	}

	if err := normalize(set.Image, models.MediaImage); err != nil {
		return PresetSet{}, err
	}
	if err := normalize(set.Video, models.MediaVideo); err != nil {
		return PresetSet{}, err
	}
	return set, nil
}

func normalize(presets models.Presets, mediaType models.MediaType) error {
	seen := make(map[string]bool, len(presets))
	suffixes := make(map[string]string, len(presets))
	for i := range presets {
		p := &presets[i]
		if p.Type == "" {
			p.Type = mediaType
		}
		if p.Type != mediaType {
			return fmt.Errorf("preset %q: type %q listed under %s", p.Name, p.Type, mediaType)
		}
		if p.Name == "" || p.Format == "" {
			return fmt.Errorf("%s preset #%d: name and format are required", mediaType, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate %s preset %q", mediaType, p.Name)
		}
		seen[p.Name] = true
		if p.Suffix == "" {
			p.Suffix = "_" + p.Name
		}
		// Output keys and the reverse preset lookup both go by suffix.
		if other, dup := suffixes[p.Suffix]; dup {
			return fmt.Errorf("%s presets %q and %q share suffix %q", mediaType, other, p.Name, p.Suffix)
		}
		suffixes[p.Suffix] = p.Name
	}
	return nil
}
