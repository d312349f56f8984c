// callctl is a headless call client for driving a relay from the
// terminal: register or log in, list who is online, place a call, or
// wait for one and auto-accept it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/call"
	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/signaling"
	"github.com/campuslink/campuscall/internal/store"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Relay server base URL")
	username := flag.String("username", "", "Username to log in as (registered on first use)")
	callee := flag.String("call", "", "Username to call; empty means listen and auto-accept")
	callType := flag.String("type", "video", "Call type: audio or video")
	listUsers := flag.Bool("list", false, "List online users and exit")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: callctl -username <name> [-call <name>] [-list]")
		os.Exit(2)
	}
	ct := models.CallType(*callType)
	if ct != models.CallTypeAudio && ct != models.CallTypeVideo {
		fmt.Fprintln(os.Stderr, "-type must be audio or video")
		os.Exit(2)
	}

	if err := run(*server, *username, *callee, ct, *listUsers, logger); err != nil {
		logger.Error("callctl failed", "error", err)
		os.Exit(1)
	}
}

func run(server, username, callee string, callType models.CallType, listUsers bool, logger *slog.Logger) error {
	session, err := login(server, username)
	if err != nil {
		return err
	}
	logger.Info("logged in", "user_id", session.User.ID, "username", session.User.Username)

	remote := store.NewRemote(server, session.Token,
		store.WithRemoteLogger(logger),
		store.WithHealthFunc(func(connected bool) {
			logger.Info("signaling feed", "connected", connected)
		}),
	)
	defer remote.Close()

	channel := signaling.New(remote, session.User.ID, signaling.WithLogger(logger))
	if err := channel.Start(); err != nil {
		return fmt.Errorf("start signaling: %w", err)
	}
	defer channel.Close()

	ctx := context.Background()

	if listUsers {
		users, err := channel.ListOnlineUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Println(u.Username)
		}
		return nil
	}

	devices, err := call.NewDevices(logger)
	if err != nil {
		return fmt.Errorf("init media devices: %w", err)
	}

	iceServers, err := fetchICEServers(server, session.Token)
	if err != nil {
		logger.Warn("ice config unavailable, using defaults", "error", err)
		iceServers = call.DefaultICEServers
	}

	manager := call.NewManager(channel, devices,
		call.WithLogger(logger),
		call.WithICEServers(iceServers),
		call.WithStateFunc(func(s call.State) {
			fmt.Printf("state: %s\n", s)
		}),
		call.WithNoticeFunc(func(msg string) {
			fmt.Printf("notice: %s\n", msg)
		}),
	)
	defer manager.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if callee != "" {
		calleeID, err := resolveUser(ctx, channel, callee)
		if err != nil {
			return err
		}
		if err := manager.StartCall(ctx, calleeID, callType); err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		fmt.Printf("calling %s...\n", callee)
	} else {
		fmt.Println("waiting for calls (auto-accept)...")
		go autoAccept(manager, logger)
	}

	<-stop
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.EndCall(endCtx)
	return nil
}

func autoAccept(manager *call.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if manager.State() != call.StateRinging {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := manager.AcceptCall(ctx)
		cancel()
		if err != nil {
			logger.Warn("accept failed", "error", err)
		}
	}
}

func resolveUser(ctx context.Context, channel *signaling.Channel, username string) (string, error) {
	users, err := channel.ListOnlineUsers(ctx)
	if err != nil {
		return "", fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.Username == username {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("user %q is not online", username)
}

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// login tries the login endpoint first and falls back to registration
// for a new username.
func login(server, username string) (*loginResponse, error) {
	if out, err := postAuth(server+"/api/auth/login", username); err == nil {
		return out, nil
	}
	return postAuth(server+"/api/auth/register", username)
}

func postAuth(url, username string) (*loginResponse, error) {
	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("auth failed: %s", apiErr.Error)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func fetchICEServers(server, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequest(http.MethodGet, server+"/api/ice-config", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice config: status %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"ice_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(payload.ICEServers))
	for _, s := range payload.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("ice config: empty server list")
	}
	return servers, nil
}
