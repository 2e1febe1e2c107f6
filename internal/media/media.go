// Package media decides how a local movie file reaches the player: played
// as is, remuxed to MP4 with AAC audio, or fully transcoded to H.264.
package media

import (
	"path/filepath"
	"strings"
)

type Path string

const (
	PathDirect    Path = "direct"
	PathRemux     Path = "remux"
	PathTranscode Path = "transcode"
)

// Probe is the codec summary read from the head of the file.
type Probe struct {
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	IsHEVC     bool    `json:"isHevc"`
	HasAAC     bool    `json:"hasAac"`
	Profile    string  `json:"profile,omitempty"`
	Level      int     `json:"level,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
}

type Source struct {
	Name string
	Size int64
	Ext  string
}

func NewSource(name string, size int64) Source {
	return Source{Name: name, Size: size, Ext: strings.ToLower(filepath.Ext(name))}
}

// Descriptor is a classified source ready for the transform dispatcher.
type Descriptor struct {
	Source   Source
	Probe    *Probe
	Path     Path
	MimeType string
}

var (
	neverNative = map[string]bool{".avi": true, ".wmv": true, ".flv": true, ".ts": true, ".m2ts": true, ".rmvb": true}
	mp4Family   = map[string]bool{".mp4": true, ".m4v": true, ".mov": true}
)

var extByMime = map[string]string{
	"video/mp4":        ".mp4",
	"video/x-m4v":      ".m4v",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
	"video/x-ms-wmv":   ".wmv",
	"video/x-flv":      ".flv",
	"video/mp2t":       ".ts",
}

// containerExt picks the extension to classify on. The declared MIME is only
// consulted when the name carries no known extension.
func containerExt(name, mime string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if known(ext) {
		return ext
	}
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mime)), ";")
	if e, ok := extByMime[strings.TrimSpace(base)]; ok {
		return e
	}
	return ext
}

func known(ext string) bool {
	return neverNative[ext] || mp4Family[ext] || ext == ".webm" || ext == ".mkv"
}
