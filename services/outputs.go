package services

import (
	"fmt"
	"path"
	"strings"
)

// ResolvedOutput is an output location derived from a job specification.
type ResolvedOutput struct {
	Key          string
	NameModifier string
	Format       string
	Width        int
	Height       int
	Bitrate      int
	FrameCapture bool
}

// OutputResolver maps a finished job's settings to the objects it wrote.
// The status API does not list produced files, so implementations work from
// the submitted settings.
type OutputResolver interface {
	ResolveOutputs(settings JobSettings, sourceKey string) ([]ResolvedOutput, error)
}

// NamingConventionResolver rebuilds keys the way the transcoder names its
// files: destination + input stem + name modifier + container extension.
type NamingConventionResolver struct{}

func (NamingConventionResolver) ResolveOutputs(settings JobSettings, sourceKey string) ([]ResolvedOutput, error) {
	base := path.Base(sourceKey)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		return nil, fmt.Errorf("cannot derive file stem from %q", sourceKey)
	}

	var resolved []ResolvedOutput
	for _, group := range settings.OutputGroups {
		if group.OutputGroupSettings.FileGroupSettings == nil {
			continue
		}
		_, prefix, err := ParseS3URI(group.OutputGroupSettings.FileGroupSettings.Destination)
		if err != nil {
			return nil, err
		}
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}

		for _, out := range group.Outputs {
			ext, frameCapture, err := containerExtension(out)
			if err != nil {
				return nil, err
			}
			name := stem + out.NameModifier
			if n := captureCount(out); n > 1 {
				// Numbered captures; the poster is the last one.
				name += fmt.Sprintf(".%07d", n-1)
			}
			r := ResolvedOutput{
				Key:          prefix + name + "." + ext,
				NameModifier: out.NameModifier,
				Format:       ext,
				FrameCapture: frameCapture,
			}
			if vd := out.VideoDescription; vd != nil {
				r.Width, r.Height = vd.Width, vd.Height
				if h := vd.CodecSettings.H264Settings; h != nil {
					r.Bitrate = h.MaxBitrate
				}
			}
			resolved = append(resolved, r)
		}
	}
	return resolved, nil
}

func captureCount(out OutputDescriptor) int {
	if out.VideoDescription == nil || out.VideoDescription.CodecSettings.FrameCaptureSettings == nil {
		return 0
	}
	return out.VideoDescription.CodecSettings.FrameCaptureSettings.MaxCaptures
}

func containerExtension(out OutputDescriptor) (string, bool, error) {
	switch out.ContainerSettings.Container {
	case ContainerMP4:
		return "mp4", false, nil
	case ContainerRaw:
		if out.VideoDescription != nil && out.VideoDescription.CodecSettings.Codec == CodecFrameCapture {
			return "jpg", true, nil
		}
	}
	return "", false, fmt.Errorf("unsupported output container %q for modifier %q",
		out.ContainerSettings.Container, out.NameModifier)
}
