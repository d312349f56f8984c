// Package config assembles the relay configuration from environment
// variables, generating and persisting the secrets that must survive
// restarts.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string

	DBPath string

	TURNEnabled  bool
	TURNPort     int
	TURNRealm    string
	TURNPublicIP string

	JWTSecret string
	VAPIDKeys *VAPIDKeys

	LogLevel string
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads the configuration from the environment. JWT and VAPID
// secrets are loaded from the keys directory and generated on first
// run.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		HTTPSPort:    getEnv("HTTPS_PORT", "8443"),
		Domain:       getEnv("DOMAIN", "localhost"),
		DBPath:       getEnv("DB_PATH", "campuscall.db"),
		TURNEnabled:  getEnvBool("TURN_ENABLED", true),
		TURNPort:     getEnvInt("TURN_PORT", 3478),
		TURNRealm:    getEnv("TURN_REALM", "campuscall"),
		TURNPublicIP: getEnv("TURN_PUBLIC_IP", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	secret, err := loadOrGenerateJWTSecret()
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	cfg.JWTSecret = secret

	keys, err := loadOrGenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("vapid keys: %w", err)
	}
	cfg.VAPIDKeys = keys

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
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

func loadOrGenerateJWTSecret() (string, error) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret, nil
	}

	secretFile := filepath.Join(keysDirectory(), "jwt-secret.key")
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := base64.URLEncoding.EncodeToString(raw)

	if err := writeKeyFile(secretFile, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func loadOrGenerateVAPIDKeys() (*VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@campuscall.app")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
	}

	dir := keysDirectory()
	publicFile := filepath.Join(dir, "vapid-public.key")
	privateFile := filepath.Join(dir, "vapid-private.key")

	if pubData, err := os.ReadFile(publicFile); err == nil {
		if privData, err := os.ReadFile(privateFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pubData)),
				PrivateKey: strings.TrimSpace(string(privData)),
				Subject:    subject,
			}, nil
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(publicFile, pub); err != nil {
		return nil, err
	}
	if err := writeKeyFile(privateFile, priv); err != nil {
		return nil, err
	}
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
}

func writeKeyFile(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0600)
}
