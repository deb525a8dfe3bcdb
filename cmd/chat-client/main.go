package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/chatsync"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// login получает токен через /api/auth/dev, доступный только в development
func login(apiAddr, username, role string) (loginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"username": username, "role": role})
	resp, err := http.Post(apiAddr+"/api/auth/dev", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return loginResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return loginResponse{}, fmt.Errorf("login failed: %d %s", resp.StatusCode, body.Error)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return loginResponse{}, err
	}
	return out, nil
}

func main() {
	wsAddr := flag.String("ws", "ws://localhost:8090/ws", "gateway websocket url")
	apiAddr := flag.String("api", "http://localhost:8080", "rest api url")
	username := flag.String("user", "buyer", "username for dev login")
	role := flag.String("role", models.RoleUser, "user or admin")
	peer := flag.String("peer", "", "user id of the other party")
	car := flag.String("car", "", "car id the conversation is about")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger := zap.NewNop()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	session, err := login(*apiAddr, *username, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	me := session.User.ID.String()
	fmt.Printf("logged in as %s (%s)\n", session.User.Username, me)

	client := chatsync.New(chatsync.Config{
		URL:      *wsAddr,
		APIURL:   *apiAddr,
		Token:    session.Token,
		UserID:   me,
		UserName: session.User.DisplayName(),
	}, chatsync.Deps{Logger: logger})
	defer client.Dispose()

	printer := &printer{me: me}
	client.Connection().OnStateChange(printer.connection)
	client.Store().Subscribe(printer.conversation)
	client.Typing().Subscribe(printer.typing)

	ctx := context.Background()
	if err := client.Init(ctx); err != nil {
		fmt.Printf("! %v (type /reconnect to retry)\n", err)
	}

	if *peer != "" && *car != "" {
		if _, err := client.Store().LoadMessages(ctx, *car, *peer); err != nil {
			fmt.Printf("! history: %v\n", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: /read /retry /reconnect /watch <channel> /quit")
	for {
		select {
		case <-interrupt:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, client, printer, *peer, *car, line) {
				return
			}
		}
	}
}

// handleLine выполняет команду или отправляет строку как сообщение
func handleLine(ctx context.Context, client *chatsync.Client, p *printer, peer, car, line string) bool {
	fields := strings.Fields(line)
	switch {
	case line == "/quit":
		return false
	case line == "/reconnect":
		if err := client.Connect(ctx); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case line == "/read":
		conv, ok := client.Store().Conversation(models.ConversationKey{ParticipantID: peer, CarID: car})
		if !ok {
			return true
		}
		var ids []string
		for _, m := range conv.Messages {
			if m.Sender.ID == peer && !m.Read {
				ids = append(ids, m.ID)
			}
		}
		if err := client.Store().MarkAsRead(ctx, ids, peer); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case line == "/retry":
		conv, _ := client.Store().Conversation(models.ConversationKey{ParticipantID: peer, CarID: car})
		for _, m := range conv.Messages {
			if m.DeliveryState == models.DeliveryFailed {
				if err := client.Store().RetryMessage(ctx, m.CorrelationID); err != nil {
					fmt.Printf("! %v\n", err)
				}
			}
		}
	case len(fields) == 2 && fields[0] == "/watch":
		client.Admin().Subscribe(fields[1], p.channel)
	case strings.HasPrefix(line, "/"):
		fmt.Println("! unknown command")
	default:
		if peer == "" || car == "" {
			fmt.Println("! start with -peer and -car to chat")
			return true
		}
		_ = client.Typing().InputChanged(ctx, peer, car, line)
		if err := client.Store().SendMessage(ctx, peer, car, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
		_ = client.Typing().InputChanged(ctx, peer, car, "")
	}
	return true
}

type printer struct {
	me string

	mu    sync.Mutex
	shown map[string]models.DeliveryState
}

func (p *printer) connection(connected bool) {
	if connected {
		fmt.Println("* connected")
	} else {
		fmt.Println("* disconnected")
	}
}

// conversation печатает новые сообщения и смену статуса своих
func (p *printer) conversation(conv models.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shown == nil {
		p.shown = make(map[string]models.DeliveryState)
	}
	for _, m := range conv.Messages {
		key := m.CorrelationID
		if key == "" {
			key = m.ID
		}
		prev, seen := p.shown[key]
		if seen && prev == m.DeliveryState {
			continue
		}
		p.shown[key] = m.DeliveryState
		switch {
		case !seen:
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender.Name, m.Content)
		case m.Sender.ID == p.me:
			fmt.Printf("  %s -> %s\n", shorten(m.Content), m.DeliveryState)
		}
	}
}

func (p *printer) typing(key models.ConversationKey, users []string) {
	if len(users) > 0 {
		fmt.Printf("  %s is typing...\n", key.ParticipantID)
	}
}

func (p *printer) channel(ev realtime.Event) {
	fmt.Printf("# %s %s %s\n", ev.Channel, ev.Type, ev.Payload)
}

func shorten(s string) string {
	if r := []rune(s); len(r) > 20 {
		return string(r[:20]) + "..."
	}
	return s
}
