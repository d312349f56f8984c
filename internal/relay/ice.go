package relay

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ICEServerConfig mirrors the webrtc.ICEServer wire shape so clients
// can feed the response straight into a peer connection configuration.
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// GetICEConfig returns the ICE servers clients should use. The
// embedded TURN server doubles as STUN; turn: (not turns:) because the
// relay is UDP-only and media is protected by DTLS-SRTP anyway.
func (h *Handlers) GetICEConfig(c *gin.Context) {
	host := c.Request.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	// SplitHostPort strips the brackets from IPv6 literals; the URIs
	// below need them back.
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	servers := []ICEServerConfig{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	if h.turnCreds != nil {
		servers = append(servers,
			ICEServerConfig{URLs: []string{fmt.Sprintf("stun:%s:%d", host, h.cfg.TURNPort)}},
			ICEServerConfig{
				URLs:       []string{fmt.Sprintf("turn:%s:%d", host, h.cfg.TURNPort)},
				Username:   h.turnCreds.Username,
				Credential: h.turnCreds.Password,
			},
		)
	}

	c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
}
