// Package turn builds the ICE server list served at /ice-servers.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

type Config struct {
	STUNURL    string
	TURNURL    string
	Username   string
	Credential string
	// Secret switches TURN to ephemeral HMAC credentials (TURN REST API).
	Secret string
	TTL    time.Duration
}

type Generator struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Generator {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Generator{cfg: cfg, now: time.Now}
}

// ICEServers returns STUN first, then TURN when configured. user labels
// ephemeral credentials; a random one is used when empty.
func (g *Generator) ICEServers(user string) []protocol.ICEServer {
	var servers []protocol.ICEServer
	if g.cfg.STUNURL != "" {
		servers = append(servers, protocol.ICEServer{URLs: []string{g.cfg.STUNURL}})
	}
	if g.cfg.TURNURL == "" {
		return servers
	}

	if g.cfg.Secret != "" {
		username, credential := g.ephemeral(user)
		return append(servers, protocol.ICEServer{
			URLs:       []string{g.cfg.TURNURL},
			Username:   username,
			Credential: credential,
		})
	}
	return append(servers, protocol.ICEServer{
		URLs:       []string{g.cfg.TURNURL},
		Username:   g.cfg.Username,
		Credential: g.cfg.Credential,
	})
}

func (g *Generator) ephemeral(user string) (string, string) {
	if user == "" {
		user = uuid.Must(uuid.NewV4()).String()
	}
	expiry := g.now().Add(g.cfg.TTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, user)
	return username, Password(g.cfg.Secret, username)
}

// Password is base64(HMAC-SHA1(secret, username)).
func Password(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
