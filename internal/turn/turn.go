// Package turn embeds a single-user TURN relay so calls between two
// symmetric NATs still connect without external infrastructure.
package turn

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	username string
	password string

	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// Start listens for TURN traffic on the given UDP port. publicIP, when
// set, is the relay address handed to allocations; otherwise the host's
// outbound interface address is used, which only works when the server
// is directly reachable.
func Start(port int, realm, publicIP string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("udp listener: %w", err)
	}

	creds, err := loadOrGenerateCredentials()
	if err != nil {
		return nil, fmt.Errorf("turn credentials: %w", err)
	}

	relayIP := net.ParseIP(strings.TrimSpace(publicIP))
	if relayIP == nil {
		relayIP = outboundIP()
		logger.Warn("no public IP configured, relaying via local address", "relay_ip", relayIP.String())
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("turn server: %w", err)
	}

	logger.Info("turn server listening", "port", port, "realm", realm, "relay_ip", relayIP.String())

	return &Server{
		server:   s,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username string, realm string, _ net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func loadOrGenerateCredentials() (Credentials, error) {
	keysDir := keysDirectory()
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}, nil
		}
	}

	creds := Credentials{Username: "campuscall", Password: generatePassword()}

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return Credentials{}, err
	}
	if err := os.WriteFile(usernameFile, []byte(creds.Username), 0600); err != nil {
		return Credentials{}, err
	}
	if err := os.WriteFile(passwordFile, []byte(creds.Password), 0600); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func keysDirectory() string {
	if dir := os.Getenv("KEYS_DIR"); dir != "" {
		return dir
	}
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func outboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
