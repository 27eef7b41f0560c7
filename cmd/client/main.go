package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/client"
	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

const usage = `commands:
  /join <room>   open a room and make it current
  /leave <room>  close a room
  /type          register a keystroke in the current room
  /who           show who is typing in the current room
  /quit          disconnect and exit
anything else is announced as a message to the current room`

// session is the interactive state around one Manager.
type session struct {
	user    string
	members []string
	m       *client.Manager
	typing  *client.TypingIndicator

	mu       sync.Mutex
	room     string
	debounce *client.TypingDebouncer
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "push channel URL")
	api := flag.String("api", "", "base URL of the chat API for history, e.g. http://localhost:8080")
	user := flag.String("user", "", "user id to set up as")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token (defaults to $CHAT_TOKEN)")
	secret := flag.String("secret", "", "server signing secret; mints a development token for -user when -token is empty")
	members := flag.String("members", "", "comma-separated members of the conversations you write to")
	flag.Parse()

	defer logger.Sync()
	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if *token == "" && *secret != "" {
		signed, err := auth.Sign(*secret, *user, 24*time.Hour)
		if err != nil {
			logger.Error("sign development token", zap.Error(err))
			os.Exit(1)
		}
		*token = signed
	}

	s := &session{user: *user, members: splitMembers(*members, *user)}
	s.typing = client.NewTypingIndicator(*user, nil, 0, s.printTyping)

	opts := client.Options{
		URL:     *url,
		UserID:  *user,
		Token:   *token,
		Handler: s.handler(),
	}
	if *api != "" {
		opts.History = client.NewHTTPHistory(*api, *token)
	}
	s.m = client.NewManager(opts)
	s.m.Start()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		_ = s.m.Close()
	}()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-s.m.Done():
			return
		case line, ok := <-lines:
			if !ok || !s.handleLine(strings.TrimSpace(line)) {
				s.stopTyping()
				_ = s.m.Close()
				return
			}
		}
	}
}

func (s *session) handler() client.HandlerFuncs {
	return client.HandlerFuncs{
		StateChange: func(st client.State) {
			fmt.Printf("* %s\n", st)
			if st != client.Connected {
				s.typing.Reset()
			}
		},
		Frame: func(f protocol.Frame) {
			switch f.Action {
			case protocol.ActionConnected:
				fmt.Printf("* set up as %s\n", s.user)
			case protocol.ActionMessageReceived:
				printMessage(*f.Message)
				s.typing.Observe(protocol.TypingEvent(protocol.ActionStopTyping, f.Message.ChatID, f.Message.Sender))
			case protocol.ActionTyping, protocol.ActionStopTyping:
				s.typing.Observe(f)
			}
		},
		History: func(room string, messages []protocol.Envelope) {
			fmt.Printf("* %d messages in %s\n", len(messages), room)
			for _, env := range messages {
				printMessage(env)
			}
		},
		Terminal: func(err error) {
			fmt.Printf("* %v\n", err)
		},
	}
}

// handleLine runs one input line and reports whether to keep reading.
func (s *session) handleLine(line string) bool {
	if line == "" {
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false
	case "/join":
		if arg == "" {
			fmt.Println("usage: /join <room>")
			return true
		}
		s.report(s.m.JoinRoom(arg))
		s.switchRoom(arg)
	case "/leave":
		if arg == "" {
			fmt.Println("usage: /leave <room>")
			return true
		}
		if arg == s.currentRoom() {
			s.switchRoom("")
		}
		s.report(s.m.LeaveRoom(arg))
	case "/type":
		if d := s.currentDebouncer(); d != nil {
			d.Keystroke()
		}
	case "/who":
		room := s.currentRoom()
		fmt.Printf("* typing in %s: %s\n", room, strings.Join(s.typing.Typing(room), ", "))
	default:
		s.send(line)
	}
	return true
}

func (s *session) send(content string) {
	room := s.currentRoom()
	if room == "" {
		fmt.Println("* /join a room first")
		return
	}
	if d := s.currentDebouncer(); d != nil {
		d.Flush()
	}
	s.report(s.m.SendMessage(protocol.Envelope{
		ID:        uuid.NewString(),
		Content:   content,
		ChatID:    room,
		Members:   s.members,
		CreatedAt: time.Now().UTC(),
	}))
}

func (s *session) switchRoom(room string) {
	s.stopTyping()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
	s.debounce = nil
	if room == "" {
		return
	}
	s.debounce = client.NewTypingDebouncer(func(action protocol.Action) {
		if err := s.m.Send(protocol.Frame{Action: action, Room: room}); err != nil {
			logger.Debug("typing signal not sent", zap.String("room", room), zap.Error(err))
		}
	}, nil, 0)
}

func (s *session) stopTyping() {
	if d := s.currentDebouncer(); d != nil {
		d.Flush()
		d.Stop()
	}
}

func (s *session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *session) currentDebouncer() *client.TypingDebouncer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debounce
}

func (s *session) printTyping(room string) {
	if users := s.typing.Typing(room); len(users) > 0 {
		fmt.Printf("* %s typing in %s\n", strings.Join(users, ", "), room)
	}
}

func (s *session) report(err error) {
	if err != nil {
		fmt.Printf("* %v\n", err)
	}
}

func printMessage(env protocol.Envelope) {
	fmt.Printf("[%s] %s: %s\n", env.ChatID, env.Sender, env.Content)
}

// splitMembers parses the member list and makes sure self is in it.
func splitMembers(raw, self string) []string {
	out := []string{self}
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" && m != self {
			out = append(out, m)
		}
	}
	return out
}
