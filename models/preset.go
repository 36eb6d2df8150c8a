package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
)

// Preset is a named target specification for one rendition.
type Preset struct {
	Name    string    `json:"name" yaml:"name"`
	Type    MediaType `json:"type" yaml:"type"`
	Width   int       `json:"width,omitempty" yaml:"width"`
	Height  int       `json:"height,omitempty" yaml:"height"`
	Format  string    `json:"format" yaml:"format"`
	Quality int       `json:"quality,omitempty" yaml:"quality"`
	Bitrate int       `json:"bitrate,omitempty" yaml:"bitrate"`
	Suffix  string    `json:"suffix" yaml:"suffix"`
}

// FrameCapture reports whether a video preset produces a still image
// rather than a playable stream.
func (p Preset) FrameCapture() bool {
	switch strings.ToLower(p.Format) {
	case "jpg", "jpeg":
		return true
	}
	return false
}

// Presets is an ordered preset snapshot stored as JSON on the job row.
type Presets []Preset

// BySuffix finds the preset whose filename suffix equals suffix.
func (p Presets) BySuffix(suffix string) (Preset, bool) {
	for _, preset := range p {
		if preset.Suffix == suffix {
			return preset, true
		}
	}
	return Preset{}, false
}

func (p Presets) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Presets) Scan(value interface{}) error {
	return scanJSON(value, p)
}
