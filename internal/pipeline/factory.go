// Package pipeline implements the pipeline factory (C4): mapping a
// validated model.Config onto one concrete pipeline variant name plus the
// element-chain shape a worker would build for it. The media graph itself
// is out of scope (spec §1 Non-goals) — this package only performs and
// tests the selection logic.
package pipeline

import (
	"fmt"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/model"
)

// Variant is one of the named media graphs the factory can select.
type Variant string

const (
	VariantRelay           Variant = "Relay"
	VariantPlaylistRelay   Variant = "PlaylistRelay"
	VariantEncoding        Variant = "Encoding"
	VariantEncodingAudio   Variant = "EncodingOnlyAudio"
	VariantEncodingVideo   Variant = "EncodingOnlyVideo"
	VariantPlaylistEncode  Variant = "PlaylistEncoding"
	VariantMosaic          Variant = "Mosaic"
	VariantTestInput       Variant = "TestInput"
	VariantDevice          Variant = "Device"
	VariantTimeshiftPlayer Variant = "TimeshiftPlayer"
	VariantTimeshiftRecord Variant = "TimeshiftRecorder"
	VariantCatchup         Variant = "Catchup"
	VariantTestLife        Variant = "TestLife"
	VariantVODRelay        Variant = "VODRelay"
	VariantVODEncode       Variant = "VODEncode"
)

// Select applies the ordered rules of the factory to cfg and returns the
// concrete variant to build, or an InvalidConfig error for an unsupported
// combination.
func Select(cfg model.Config) (Variant, error) {
	if err := cfg.Validate(); err != nil {
		return "", apperrors.NewInvalidConfig("pipeline.select", err)
	}

	switch cfg.Type {
	case model.RELAY:
		return selectRelay(cfg)
	case model.ENCODE:
		return selectEncode(cfg)
	case model.TIMESHIFT_PLAYER:
		return VariantTimeshiftPlayer, nil
	case model.TIMESHIFT_RECORDER:
		return VariantTimeshiftRecord, nil
	case model.CATCHUP:
		return VariantCatchup, nil
	case model.TEST_LIFE:
		return VariantTestLife, nil
	case model.VOD_RELAY:
		if !cfg.IsVOD {
			return "", apperrors.NewInvalidConfig("pipeline.select", fmt.Errorf("VOD_RELAY requires is_vod=true"))
		}
		return VariantVODRelay, nil
	case model.VOD_ENCODE:
		if !cfg.IsVOD {
			return "", apperrors.NewInvalidConfig("pipeline.select", fmt.Errorf("VOD_ENCODE requires is_vod=true"))
		}
		return VariantVODEncode, nil
	default:
		return "", apperrors.NewInternal("pipeline.select", fmt.Errorf("unhandled stream type %v", cfg.Type))
	}
}

func allFileScheme(inputs []model.InputURI) bool {
	for _, in := range inputs {
		if in.Scheme != model.SchemeFile {
			return false
		}
	}
	return true
}

func selectRelay(cfg model.Config) (Variant, error) {
	if len(cfg.Inputs) > 1 {
		if allFileScheme(cfg.Inputs) {
			return VariantPlaylistRelay, nil
		}
		// Open question in the source: multi-input RELAY over non-file
		// schemes is unreachable in the reference pipeline. Treated as
		// InvalidConfig rather than guessing at a mosaic-for-relay graph.
		return "", apperrors.NewInvalidConfig("pipeline.select.relay", fmt.Errorf("multi-input RELAY requires every input to be scheme=file"))
	}
	return VariantRelay, nil
}

func selectEncode(cfg model.Config) (Variant, error) {
	if len(cfg.Inputs) > 1 {
		if allFileScheme(cfg.Inputs) {
			return VariantPlaylistEncode, nil
		}
		return VariantMosaic, nil
	}

	in := cfg.Inputs[0]
	switch {
	case in.IsTest():
		return VariantTestInput, nil
	case in.Scheme == model.SchemeDevice:
		return VariantDevice, nil
	case in.RelayVideo:
		return VariantEncodingAudio, nil
	case in.RelayAudio:
		return VariantEncodingVideo, nil
	default:
		return VariantEncoding, nil
	}
}

// VideoChain and AudioChain describe the element-chain shape a worker
// would wire for an encoding variant (spec §4.4); returned as data so
// tests can assert on the chosen shape without a real media framework.
type VideoChain struct {
	Convert      bool
	Scale        bool
	AspectRatio  bool
	Framerate    bool
	Logo         bool
	GPUPostProc  bool
	Encoder      string
	NeedsParser  bool
	Deinterlace  bool
}

type AudioChain struct {
	Converter   string
	Encoder     string
	NeedsResample bool
}

// BuildVideoChain derives the video sub-chain shape for an encoding
// variant config (spec §4.4): GPU-accelerated backends collapse
// scale+framerate+deinterlace into one vendor post-proc stage.
func BuildVideoChain(opts model.EncodeOptions, gpu bool) VideoChain {
	vc := VideoChain{
		Convert:     true,
		AspectRatio: opts.AspectRatio != "",
		Logo:        opts.Logo != nil,
		Encoder:     opts.VideoCodec,
		NeedsParser: opts.VideoCodec == "h264" || opts.VideoCodec == "aac",
	}
	if gpu {
		vc.GPUPostProc = true
		return vc
	}
	vc.Scale = opts.Size != nil
	vc.Framerate = opts.FrameRate > 0
	vc.Deinterlace = opts.Deinterlace
	return vc
}

// BuildAudioChain derives the audio sub-chain shape (spec §4.4): mp3
// output requires a resample+mpeg-audio-parse stage ahead of the tee.
func BuildAudioChain(opts model.EncodeOptions) AudioChain {
	return AudioChain{
		Converter:     "volume+channels",
		Encoder:       opts.AudioCodec,
		NeedsResample: opts.AudioCodec == "mp3",
	}
}
