package media

import "strings"

// Decision is the classifier output. Reason is for logs.
type Decision struct {
	Path   Path   `json:"path"`
	Reason string `json:"reason"`
}

// NeedsProbe reports whether the decision for name depends on codec data.
func NeedsProbe(name, mime string) bool {
	return mp4Family[containerExt(name, mime)]
}

// Classify maps a file to its playback path. probe may be nil, in which case
// MP4-family files are assumed playable.
func Classify(name, mime string, probe *Probe, hevcSupported bool) Decision {
	ext := containerExt(name, mime)

	switch {
	case neverNative[ext]:
		return Decision{PathTranscode, "container " + ext + " is never native"}
	case ext == ".webm":
		return Decision{PathDirect, "webm plays natively"}
	case ext == ".mkv":
		return Decision{PathRemux, "matroska needs an mp4 container"}
	case !mp4Family[ext]:
		return Decision{PathDirect, "unknown container, left to the player"}
	case probe == nil:
		return Decision{PathDirect, "no probe, assumed playable"}
	}

	if probe.IsHEVC && !hevcSupported {
		return Decision{PathTranscode, "hevc unsupported, video to h264"}
	}
	if !videoSupported(probe, hevcSupported) {
		return Decision{PathTranscode, "video codec " + probe.VideoCodec + " unsupported"}
	}
	if !probe.HasAAC {
		return Decision{PathRemux, "audio to aac"}
	}
	return Decision{PathDirect, "h264/hevc with aac"}
}

func videoSupported(p *Probe, hevcSupported bool) bool {
	if p.IsHEVC {
		return hevcSupported
	}
	switch strings.ToLower(p.VideoCodec) {
	case "h264", "avc", "avc1", "":
		// An empty codec means the probe saw no video stream; audio-only
		// files pass through.
		return true
	}
	return false
}
