package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/NicolasHaas/gochat/pkg/client"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	"github.com/NicolasHaas/gochat/pkg/version"
)

func main() {
	// Default to "warn" so log lines do not interleave with chat; override
	// with GOCHAT_LOG_LEVEL (debug, info, warn, error).
	level := "warn"
	if v := os.Getenv("GOCHAT_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
	})

	settingsPath := client.DefaultSettingsPath()
	settings := client.LoadSettings(settingsPath)

	addr := flag.String("addr", settings.ServerAddr, "Server address (host:port)")
	username := flag.String("user", settings.Username, "Username")
	register := flag.Bool("register", false, "Create the account before logging in")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("gochat-client"))
		return
	}

	in := bufio.NewReader(os.Stdin)
	if *username == "" {
		name, err := prompt(in, "Username: ")
		if err != nil {
			fail(err)
		}
		*username = name
	}
	password, err := readPassword(in)
	if err != nil {
		fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := connect(ctx, *addr, *username, password, *register)
	if err != nil {
		fail(err)
	}
	defer func() { _ = c.Close() }()

	settings.ServerAddr = *addr
	settings.Username = *username
	if err := settings.Save(settingsPath); err != nil {
		slog.Warn("save settings", "err", err)
	}

	fmt.Printf("connected to %s as %s (type /help for commands)\n", *addr, *username)
	runSession(ctx, c, in, *username)
}

func connect(ctx context.Context, addr, username, password string, register bool) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}
	if register {
		if _, err := c.Register(username, password); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if _, err := c.Login(username, password); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func runSession(ctx context.Context, c *client.Client, in *bufio.Reader, self string) {
	var (
		mu     sync.Mutex
		online []string
	)
	c.SetEventHandler(func(p *protocol.Packet) {
		if p.Type == protocol.TypePresence {
			mu.Lock()
			online = p.Users
			mu.Unlock()
		}
		if line := render(p, self); line != "" {
			fmt.Println(line)
		}
	})
	c.StartReceiving()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	target := ""
	for {
		select {
		case <-ctx.Done():
			_ = c.Quit()
			return
		case <-c.Done():
			fmt.Println("* disconnected")
			return
		case line, ok := <-lines:
			if !ok {
				_ = c.Quit()
				return
			}
			act := parseInput(line, target)
			switch act.kind {
			case actSend:
				if err := c.Send(act.packet); err != nil {
					fmt.Println("* send failed:", err)
				}
			case actTarget:
				target = act.target
				if target == "" {
					fmt.Println("* mode: public")
				} else {
					fmt.Println("* mode: private to " + target)
				}
			case actWho:
				mu.Lock()
				fmt.Println("* online: " + strings.Join(online, ", "))
				mu.Unlock()
			case actHelp:
				fmt.Println(helpText)
			case actUsage:
				fmt.Println("* " + act.note)
			case actQuit:
				_ = c.Quit()
				return
			}
		}
	}
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo on a terminal and falls back to a plain
// line when stdin is piped.
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(in, "")
	}
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "gochat:", err)
	os.Exit(1)
}
