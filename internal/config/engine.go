package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
}

type Engine struct {
	Signal  SignalClientConfig `koanf:"signal"`
	Swarm   SwarmConfig        `koanf:"swarm"`
	Stream  StreamConfig       `koanf:"stream"`
	Media   MediaConfig        `koanf:"media"`
	Library LibraryConfig      `koanf:"library"`
	Log     LogConfig          `koanf:"log"`
}

type SignalClientConfig struct {
	URL string `koanf:"url"`
	// ParticipantID is stable across reconnects; generated when empty.
	ParticipantID  string        `koanf:"participant_id"`
	MinBackoff     time.Duration `koanf:"min_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type SwarmConfig struct {
	DataDir          string        `koanf:"data_dir"`
	ListenPort       int           `koanf:"listen_port"`
	Trackers         []string      `koanf:"trackers"`
	PieceLength      int64         `koanf:"piece_length"`
	ProgressInterval time.Duration `koanf:"progress_interval"`
}

type StreamConfig struct {
	Addr string `koanf:"addr"`
}

type MediaConfig struct {
	FFmpegPath       string        `koanf:"ffmpeg_path"`
	FFprobePath      string        `koanf:"ffprobe_path"`
	WorkDir          string        `koanf:"work_dir"`
	RemuxTimeout     time.Duration `koanf:"remux_timeout"`
	TranscodeTimeout time.Duration `koanf:"transcode_timeout"`
	HEVC             bool          `koanf:"hevc"`
}

type LibraryConfig struct {
	Path   string        `koanf:"path"`
	MaxAge time.Duration `koanf:"max_age"`
}

// LoadEngine reads the client engine configuration. path may be empty.
func LoadEngine(path string) (*Engine, error) {
	k, err := open(path)
	if err != nil {
		return nil, err
	}

	setDefault(k, "signal.url", "http://localhost:3001")
	setDefault(k, "signal.min_backoff", time.Second)
	setDefault(k, "signal.max_backoff", 5*time.Second)
	setDefault(k, "signal.connect_timeout", 20*time.Second)
	setDefault(k, "swarm.data_dir", "./data")
	setDefault(k, "swarm.listen_port", 6881)
	setDefault(k, "swarm.trackers", DefaultTrackers)
	setDefault(k, "swarm.piece_length", 256*1024)
	setDefault(k, "swarm.progress_interval", 500*time.Millisecond)
	setDefault(k, "stream.addr", "127.0.0.1:0")
	setDefault(k, "media.ffmpeg_path", "ffmpeg")
	setDefault(k, "media.ffprobe_path", "ffprobe")
	setDefault(k, "media.work_dir", "./data/transcoded")
	setDefault(k, "media.remux_timeout", 4*time.Minute)
	setDefault(k, "media.transcode_timeout", 12*time.Minute)
	setDefault(k, "library.path", "./data/library.db")
	setDefault(k, "library.max_age", 24*time.Hour)
	setDefault(k, "log.level", "debug")
	setDefault(k, "log.format", "json")

	applyEngineEnv(k)

	var cfg Engine
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func applyEngineEnv(k *koanf.Koanf) {
	if url := getString("LOVESTREAM_SERVER_URL", ""); url != "" {
		k.Set("signal.url", url)
	}
	if id := getString("LOVESTREAM_PARTICIPANT_ID", ""); id != "" {
		k.Set("signal.participant_id", id)
	}
	if dir := getString("LOVESTREAM_DATA_DIR", ""); dir != "" {
		k.Set("swarm.data_dir", dir)
	}
	if trackers := getList("LOVESTREAM_TRACKERS"); len(trackers) > 0 {
		k.Set("swarm.trackers", trackers)
	}
	if ffmpeg := getString("FFMPEG_PATH", ""); ffmpeg != "" {
		k.Set("media.ffmpeg_path", ffmpeg)
	}
	if ffprobe := getString("FFPROBE_PATH", ""); ffprobe != "" {
		k.Set("media.ffprobe_path", ffprobe)
	}
	applyLogEnv(k)
}
