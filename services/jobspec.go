package services

import (
	"fmt"
	"path"
	"strings"

	"mediaconverter/models"
)

const (
	ContainerMP4 = "MP4"
	ContainerRaw = "RAW"

	CodecH264         = "H_264"
	CodecFrameCapture = "FRAME_CAPTURE"
	CodecAAC          = "AAC"

	fileGroupSettings = "FILE_GROUP_SETTINGS"
	convertedDir      = "converted"
)

// JobSpecification is the declarative transcoding job submitted upstream.
type JobSpecification struct {
	Role         string            `json:"role"`
	Queue        string            `json:"queue,omitempty"`
	Settings     JobSettings       `json:"settings"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
}

type JobSettings struct {
	Inputs       []JobInput    `json:"inputs"`
	OutputGroups []OutputGroup `json:"outputGroups"`
}

type JobInput struct {
	FileInput      string                   `json:"fileInput"`
	AudioSelectors map[string]AudioSelector `json:"audioSelectors,omitempty"`
	VideoSelector  *VideoSelector           `json:"videoSelector,omitempty"`
	TimecodeSource string                   `json:"timecodeSource,omitempty"`
}

type AudioSelector struct {
	DefaultSelection string `json:"defaultSelection"`
}

type VideoSelector struct {
	Rotate string `json:"rotate,omitempty"`
}

type OutputGroup struct {
	Name                string              `json:"name,omitempty"`
	OutputGroupSettings OutputGroupSettings `json:"outputGroupSettings"`
	Outputs             []OutputDescriptor  `json:"outputs"`
}

type OutputGroupSettings struct {
	Type              string             `json:"type"`
	FileGroupSettings *FileGroupSettings `json:"fileGroupSettings,omitempty"`
}

type FileGroupSettings struct {
	Destination string `json:"destination"`
}

// OutputDescriptor is one named output inside an output group.
type OutputDescriptor struct {
	NameModifier      string             `json:"nameModifier"`
	ContainerSettings ContainerSettings  `json:"containerSettings"`
	VideoDescription  *VideoDescription  `json:"videoDescription,omitempty"`
	AudioDescriptions []AudioDescription `json:"audioDescriptions,omitempty"`
}

type ContainerSettings struct {
	Container   string       `json:"container"`
	Mp4Settings *Mp4Settings `json:"mp4Settings,omitempty"`
}

type Mp4Settings struct {
	MoovPlacement string `json:"moovPlacement,omitempty"`
}

type VideoDescription struct {
	Width           int                `json:"width,omitempty"`
	Height          int                `json:"height,omitempty"`
	ScalingBehavior string             `json:"scalingBehavior,omitempty"`
	CodecSettings   VideoCodecSettings `json:"codecSettings"`
}

type VideoCodecSettings struct {
	Codec                string                `json:"codec"`
	H264Settings         *H264Settings         `json:"h264Settings,omitempty"`
	FrameCaptureSettings *FrameCaptureSettings `json:"frameCaptureSettings,omitempty"`
}

type H264Settings struct {
	RateControlMode    string        `json:"rateControlMode"`
	MaxBitrate         int           `json:"maxBitrate"`
	QvbrSettings       *QvbrSettings `json:"qvbrSettings,omitempty"`
	GopSize            float64       `json:"gopSize"`
	GopSizeUnits       string        `json:"gopSizeUnits"`
	NumberBFrames      int           `json:"numberBFramesBetweenReferenceFrames"`
	CodecProfile       string        `json:"codecProfile"`
	CodecLevel         string        `json:"codecLevel"`
	SceneChangeDetect  string        `json:"sceneChangeDetect"`
	QualityTuningLevel string        `json:"qualityTuningLevel"`
}

type QvbrSettings struct {
	QvbrQualityLevel int `json:"qvbrQualityLevel"`
}

type FrameCaptureSettings struct {
	FramerateNumerator   int `json:"framerateNumerator"`
	FramerateDenominator int `json:"framerateDenominator"`
	MaxCaptures          int `json:"maxCaptures"`
	Quality              int `json:"quality"`
}

type AudioDescription struct {
	CodecSettings AudioCodecSettings `json:"codecSettings"`
}

type AudioCodecSettings struct {
	Codec       string       `json:"codec"`
	AacSettings *AacSettings `json:"aacSettings,omitempty"`
}

type AacSettings struct {
	Bitrate    int    `json:"bitrate"`
	CodingMode string `json:"codingMode"`
	SampleRate int    `json:"sampleRate"`
}

// JobSpecParams are the inputs to BuildJobSpec.
type JobSpecParams struct {
	JobID           string
	Bucket          string
	SourceKey       string
	RoleARN         string
	QueueARN        string
	Presets         models.Presets
	ThumbnailOffset int
}

// BuildJobSpec creates one input and one file output group holding an
// output per video preset: H.264/AAC in MP4 for streams, a single RAW frame
// capture for stills.
func BuildJobSpec(p JobSpecParams) JobSpecification {
	outputs := make([]OutputDescriptor, 0, len(p.Presets))
	for _, preset := range p.Presets {
		if preset.FrameCapture() {
			outputs = append(outputs, frameCaptureOutput(preset, p.ThumbnailOffset))
		} else {
			outputs = append(outputs, webOutput(preset))
		}
	}

	spec := JobSpecification{
		Role:  p.RoleARN,
		Queue: p.QueueARN,
		Settings: JobSettings{
			Inputs: []JobInput{{
				FileInput:      S3URI(p.Bucket, p.SourceKey),
				AudioSelectors: map[string]AudioSelector{"Audio Selector 1": {DefaultSelection: "DEFAULT"}},
				VideoSelector:  &VideoSelector{},
				TimecodeSource: "ZEROBASED",
			}},
			OutputGroups: []OutputGroup{{
				Name: "File Group",
				OutputGroupSettings: OutputGroupSettings{
					Type:              fileGroupSettings,
					FileGroupSettings: &FileGroupSettings{Destination: S3URI(p.Bucket, ConvertedPrefix(p.SourceKey))},
				},
				Outputs: outputs,
			}},
		},
	}
	if p.JobID != "" {
		spec.UserMetadata = map[string]string{"job_id": p.JobID}
	}
	return spec
}

func webOutput(preset models.Preset) OutputDescriptor {
	maxBitrate := preset.Bitrate
	if maxBitrate <= 0 {
		maxBitrate = 5000000
	}
	return OutputDescriptor{
		NameModifier: preset.Suffix,
		ContainerSettings: ContainerSettings{
			Container:   ContainerMP4,
			Mp4Settings: &Mp4Settings{MoovPlacement: "PROGRESSIVE_DOWNLOAD"},
		},
		VideoDescription: &VideoDescription{
			Width:           preset.Width,
			Height:          preset.Height,
			ScalingBehavior: "DEFAULT",
			CodecSettings: VideoCodecSettings{
				Codec: CodecH264,
				H264Settings: &H264Settings{
					RateControlMode:    "QVBR",
					MaxBitrate:         maxBitrate,
					QvbrSettings:       &QvbrSettings{QvbrQualityLevel: 7},
					GopSize:            90,
					GopSizeUnits:       "FRAMES",
					NumberBFrames:      2,
					CodecProfile:       "MAIN",
					CodecLevel:         "AUTO",
					SceneChangeDetect:  "TRANSITION_DETECTION",
					QualityTuningLevel: "SINGLE_PASS_HQ",
				},
			},
		},
		AudioDescriptions: []AudioDescription{{
			CodecSettings: AudioCodecSettings{
				Codec:       CodecAAC,
				AacSettings: &AacSettings{Bitrate: 128000, CodingMode: "CODING_MODE_2_0", SampleRate: 48000},
			},
		}},
	}
}

// frameCaptureOutput grabs the poster frame. Captures always begin with the
// first frame and repeat every 1/rate seconds, so for a positive offset the
// output takes two captures at one per offset seconds and the second lands
// on the offset. A zero offset keeps the single first frame.
func frameCaptureOutput(preset models.Preset, offset int) OutputDescriptor {
	captures, interval := 1, 1
	if offset > 0 {
		captures, interval = 2, offset
	}
	quality := preset.Quality
	if quality <= 0 {
		quality = 80
	}
	return OutputDescriptor{
		NameModifier:      preset.Suffix,
		ContainerSettings: ContainerSettings{Container: ContainerRaw},
		VideoDescription: &VideoDescription{
			Width:  preset.Width,
			Height: preset.Height,
			CodecSettings: VideoCodecSettings{
				Codec: CodecFrameCapture,
				FrameCaptureSettings: &FrameCaptureSettings{
					FramerateNumerator:   1,
					FramerateDenominator: interval,
					MaxCaptures:          captures,
					Quality:              quality,
				},
			},
		},
	}
}

// S3URI joins a bucket and key into an s3:// URI.
func S3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimLeft(key, "/")
}

// ParseS3URI splits an s3:// URI into bucket and key.
func ParseS3URI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri has no bucket: %q", uri)
	}
	return bucket, key, nil
}

// ConvertedPrefix is the key prefix renditions of sourceKey are written to.
func ConvertedPrefix(sourceKey string) string {
	dir := path.Dir(strings.TrimLeft(sourceKey, "/"))
	if dir == "." || dir == "/" {
		return convertedDir + "/"
	}
	return dir + "/" + convertedDir + "/"
}
