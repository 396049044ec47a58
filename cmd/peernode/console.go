package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/peerchannel"
)

// console is the interactive send/status/quit loop for the demo peer
// node, fed by the server's and client's onReceive/onConnection
// callbacks running on their own goroutines.
type console struct {
	rl *readline.Instance

	server *peerchannel.Server
	client *peerchannel.Client

	mu        sync.Mutex
	connected bool
	lastPeer  string
}

func newConsole() *console {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "peernode> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		// readline only fails to initialise when stdin/stdout aren't a
		// terminal it can control; fall back to a disabled console so
		// the server/client still run non-interactively.
		fmt.Println("peernode: readline unavailable, running without a console:", err)
		return &console{}
	}
	return &console{rl: rl}
}

func (c *console) onReceive(msg peerchannel.RemoteMessage) bool {
	c.println(fmt.Sprintf("received from %s (%s): %s", msg.RemoteAddress, msg.RemoteLegalName, string(msg.Payload)))
	return true
}

func (c *console) onConnection(change peerchannel.ConnectionChange) {
	c.mu.Lock()
	c.connected = change.Connected
	c.lastPeer = change.RemoteAddress
	c.mu.Unlock()

	state := "disconnected"
	if change.Connected {
		state = "connected"
	}
	c.println(fmt.Sprintf("%s: %s (%s)", state, change.RemoteAddress, change.RemoteLegalName))
}

func (c *console) println(s string) {
	if c.rl != nil {
		fmt.Fprintln(c.rl.Stdout(), s)
		return
	}
	fmt.Println(s)
}

// run drives the interactive loop until EOF, interrupt, or "quit". If
// readline could not be initialised, run blocks forever instead,
// leaving the server/client to operate headlessly.
func (c *console) run() {
	if c.rl == nil {
		select {}
	}
	defer c.rl.Close()

	c.println(`commands: send <legalname> <address> <text> | status | quit`)
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		switch strings.ToLower(parts[0]) {
		case "send":
			c.cmdSend(parts[1:])
		case "status":
			c.cmdStatus()
		case "quit", "exit":
			return
		default:
			c.println("unknown command, try: send <legalname> <address> <text> | status | quit")
		}
	}
}

func (c *console) cmdSend(args []string) {
	if len(args) < 3 {
		c.println("usage: send <legalname> <address> <text...>")
		return
	}
	dest := legalname.Name{CommonName: args[0]}
	addr := args[1]
	payload := strings.Join(args[2:], " ")

	if c.client == nil {
		c.println("no client configured; start peernode with -peer to send")
		return
	}
	handle, err := c.client.Write(peerchannel.Message{
		DestinationAddress:   addr,
		DestinationLegalName: dest,
		Payload:              []byte(payload),
	})
	if err != nil {
		c.println(fmt.Sprintf("send failed: %v", err))
		return
	}
	go func() {
		if err := handle.Wait(); err != nil {
			c.println(fmt.Sprintf("message failed: %v", err))
			return
		}
		c.println("message acknowledged")
	}()
}

func (c *console) cmdStatus() {
	c.mu.Lock()
	connected, peer := c.connected, c.lastPeer
	c.mu.Unlock()

	if c.server != nil {
		c.println(fmt.Sprintf("server: %d active connection(s)", c.server.ConnectionCount()))
	}
	if c.client != nil {
		if connected {
			c.println(fmt.Sprintf("client: connected to %s", peer))
		} else {
			c.println("client: disconnected")
		}
	}
}
