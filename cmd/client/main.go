// Command client is a line-oriented terminal front end for the messenger
// sync subsystem. It is deliberately a thin renderer: every piece of state
// it shows lives in the session, presence, and conversation containers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/messenger/internal/api"
	"github.com/whisper/messenger/internal/convo"
	"github.com/whisper/messenger/internal/credstore"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/realtime"
	"github.com/whisper/messenger/internal/session"
)

// clientConfig holds the resolved runtime settings.
type clientConfig struct {
	GatewayURL  string
	RealtimeURL string
	StateDir    string
	MetricsAddr string
	HTTPTimeout time.Duration
}

// defaultConfig returns sensible defaults; resolveEnv applies overrides.
func defaultConfig() clientConfig {
	stateDir := "."
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "messenger")
	}
	return clientConfig{
		GatewayURL:  "http://localhost:8080/api",
		RealtimeURL: "ws://localhost:8080/realtime",
		StateDir:    stateDir,
		HTTPTimeout: 15 * time.Second,
	}
}

func resolveEnv(config clientConfig) clientConfig {
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		config.GatewayURL = v
	}
	if v := os.Getenv("REALTIME_URL"); v != "" {
		config.RealtimeURL = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		config.StateDir = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		config.MetricsAddr = v
	}
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HTTPTimeout = d
		}
	}
	return config
}

func main() {
	config := resolveEnv(defaultConfig())

	log.Printf("Messenger client starting")
	log.Printf("  gateway_url:  %s", config.GatewayURL)
	log.Printf("  realtime_url: %s", config.RealtimeURL)
	log.Printf("  state_dir:    %s", config.StateDir)
	if config.MetricsAddr != "" {
		log.Printf("  metrics_addr: %s", config.MetricsAddr)
	}

	creds, err := credstore.Open(filepath.Join(config.StateDir, "messenger.db"))
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}
	defer creds.Close()

	transport := realtime.NewTransport(config.RealtimeURL)

	// The token provider closes over the manager assigned below; the api
	// client never stores the credential itself.
	var manager *session.Manager
	gateway := api.NewClient(config.GatewayURL, &http.Client{Timeout: config.HTTPTimeout}, func() string {
		return manager.BearerToken()
	})
	manager = session.NewManager(gateway, creds, transport)

	tracker := presence.NewTracker()
	tracker.Attach(transport)

	conversations := convo.NewStore(gateway, transport)
	conversations.SubscribeInbound()

	if config.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener failed: %v", err)
			}
		}()
	}

	ctx := context.Background()
	if err := manager.CheckSession(ctx); err != nil {
		log.Printf("session check: %v", err)
	}
	if user := manager.CurrentUser(); user != nil {
		fmt.Printf("welcome back, %s\n", user.DisplayName)
	} else {
		fmt.Println("not logged in; use: login <email> <password>")
	}

	// The token persists across runs; Ctrl-C exits without logging out.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		transport.Disconnect()
		os.Exit(0)
	}()

	repl(ctx, manager, tracker, conversations)
	transport.Disconnect()
}

func repl(ctx context.Context, manager *session.Manager, tracker *presence.Tracker, conversations *convo.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !runCommand(ctx, line, manager, tracker, conversations) {
			return
		}
		fmt.Print("> ")
	}
}

// runCommand executes one REPL command; it returns false when the loop
// should exit.
func runCommand(ctx context.Context, line string, manager *session.Manager, tracker *presence.Tracker, conversations *convo.Store) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Println(`commands:
  register <email> <name> <password>
  login <email> <password>
  logout
  whoami
  profile <new display name>
  users
  select <n | user id>
  history
  send <text>
  online
  quit`)

	case "register":
		if len(args) != 3 {
			fmt.Println("usage: register <email> <name> <password>")
			break
		}
		if err := manager.Register(ctx, args[0], args[1], args[2]); err != nil {
			fmt.Println("register failed:", api.ErrorMessage(err))
			break
		}
		fmt.Println("account created")

	case "login":
		if len(args) != 2 {
			fmt.Println("usage: login <email> <password>")
			break
		}
		if err := manager.Login(ctx, args[0], args[1]); err != nil {
			fmt.Println("login failed:", api.ErrorMessage(err))
			break
		}
		fmt.Printf("logged in as %s\n", manager.CurrentUser().DisplayName)

	case "logout":
		manager.Logout()
		conversations.ClearSelection()
		fmt.Println("logged out")

	case "whoami":
		if user := manager.CurrentUser(); user != nil {
			fmt.Printf("%s <%s> (%s)\n", user.DisplayName, user.Email, user.ID)
		} else {
			fmt.Println("anonymous")
		}

	case "profile":
		if len(args) == 0 {
			fmt.Println("usage: profile <new display name>")
			break
		}
		name := strings.Join(args, " ")
		if err := manager.UpdateProfile(ctx, api.ProfileUpdate{DisplayName: &name}); err != nil {
			fmt.Println("update failed:", api.ErrorMessage(err))
			break
		}
		fmt.Println("profile updated")

	case "users":
		if err := conversations.LoadPeers(ctx); err != nil {
			fmt.Println("failed to load users:", api.ErrorMessage(err))
			break
		}
		for i, peer := range conversations.Peers() {
			marker := " "
			if tracker.IsOnline(peer.ID) {
				marker = "*"
			}
			fmt.Printf("%2d %s %s (%s)\n", i+1, marker, peer.DisplayName, peer.ID)
		}

	case "select":
		if len(args) != 1 {
			fmt.Println("usage: select <n | user id>")
			break
		}
		peers := conversations.Peers()
		var picked = -1
		if n, err := strconv.Atoi(args[0]); err == nil && n >= 1 && n <= len(peers) {
			picked = n - 1
		} else {
			for i, peer := range peers {
				if peer.ID == args[0] {
					picked = i
					break
				}
			}
		}
		if picked < 0 {
			fmt.Println("no such user; run `users` first")
			break
		}
		if err := conversations.Select(ctx, peers[picked]); err != nil {
			fmt.Println("failed to load history:", api.ErrorMessage(err))
			break
		}
		fmt.Printf("talking to %s\n", peers[picked].DisplayName)

	case "history":
		sel := conversations.Selected()
		if sel == nil {
			fmt.Println("no conversation selected")
			break
		}
		me := ""
		if user := manager.CurrentUser(); user != nil {
			me = user.ID
		}
		for _, msg := range conversations.Messages() {
			who := sel.DisplayName
			if msg.SenderID == me {
				who = "me"
			}
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), who, msg.Body)
		}

	case "send":
		if len(args) == 0 {
			fmt.Println("usage: send <text>")
			break
		}
		if conversations.Selected() == nil {
			fmt.Println("no conversation selected")
			break
		}
		if _, err := conversations.Send(ctx, strings.Join(args, " ")); err != nil {
			fmt.Println("send failed:", api.ErrorMessage(err))
		}

	case "online":
		for _, id := range tracker.Online() {
			fmt.Println(id)
		}

	case "quit", "exit":
		return false

	default:
		fmt.Printf("unknown command %q; try `help`\n", cmd)
	}
	return true
}
