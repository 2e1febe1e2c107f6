package media

import (
	"fmt"
	"strings"
)

const (
	GenericMime = `video/mp4; codecs="avc1.42E01E, mp4a.40.2"`
	HEVCCodec   = "hvc1.1.6.L93.B0"
	AACCodec    = "mp4a.40.2"
)

// avc profile_idc and constraint flags by ffprobe profile name.
var avcProfiles = map[string][2]byte{
	"baseline":             {0x42, 0x00},
	"constrained baseline": {0x42, 0xE0},
	"main":                 {0x4D, 0x40},
	"extended":             {0x58, 0x00},
	"high":                 {0x64, 0x00},
	"high 10":              {0x6E, 0x00},
	"high 4:2:2":           {0x7A, 0x00},
}

// MimeFor builds the codec MIME string for an MP4 output described by p.
// Without enough probe data it returns GenericMime.
func MimeFor(p *Probe) string {
	if p == nil {
		return GenericMime
	}

	var codecs []string
	switch {
	case p.IsHEVC:
		codecs = append(codecs, HEVCCodec)
	case isAVC(p.VideoCodec):
		c, ok := avcCodec(p.Profile, p.Level)
		if !ok {
			return GenericMime
		}
		codecs = append(codecs, c)
	default:
		return GenericMime
	}
	if p.HasAAC {
		codecs = append(codecs, AACCodec)
	}
	return fmt.Sprintf(`video/mp4; codecs="%s"`, strings.Join(codecs, ", "))
}

func isAVC(codec string) bool {
	switch strings.ToLower(codec) {
	case "h264", "avc", "avc1":
		return true
	}
	return false
}

// avcCodec renders avc1.PPCCLL.
func avcCodec(profile string, level int) (string, bool) {
	pc, ok := avcProfiles[strings.ToLower(strings.TrimSpace(profile))]
	if !ok || level <= 0 || level > 0xFF {
		return "", false
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", pc[0], pc[1], level), true
}
