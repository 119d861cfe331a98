package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"distcore/internal/barrier"
	"distcore/internal/dispatch"
	"distcore/internal/netx"
	"distcore/internal/router"
	"distcore/pkg/types"
)

func main() {
	id := flag.String("id", "", "this node's id (required)")
	listen := flag.String("listen", ":7777", "host:port to listen on")
	membersFlag := flag.String("members", "", "comma-separated id=host:port list, including self")
	mode := flag.String("mode", "plain", "transport: plain | encrypted | memory")
	privKeyPath := flag.String("privkey", "", "path to this node's private key PEM (encrypted mode)")
	pubKeyDir := flag.String("pubkeydir", "", "directory holding <id>.pub public key PEMs (encrypted mode)")
	genKeys := flag.String("genkeys", "", "write a fresh keypair for the given id to <dir>/<id>.priv and <dir>/<id>.pub, then exit")
	keyDir := flag.String("keydir", ".", "directory for -genkeys")
	flag.Parse()

	if *genKeys != "" {
		priv := filepath.Join(*keyDir, *genKeys+".priv")
		pub := filepath.Join(*keyDir, *genKeys+".pub")
		if err := netx.GenerateKeyPairFiles(priv, pub); err != nil {
			fmt.Println("keygen error:", err)
			os.Exit(1)
		}
		fmt.Println("wrote", priv, "and", pub)
		return
	}

	if *id == "" {
		fmt.Println("usage: distcore -id <nodeId> -listen <host:port> -members id=host:port,...")
		os.Exit(1)
	}
	self := types.NodeID(*id)

	members, err := parseMembers(*membersFlag)
	if err != nil {
		fmt.Println("members error:", err)
		os.Exit(1)
	}
	if _, ok := members[self]; !ok {
		host, port, err := splitHostPort(*listen)
		if err != nil {
			fmt.Println("listen error:", err)
			os.Exit(1)
		}
		members[self] = types.Peer{Host: host, Port: port}
	}

	n, err := buildNetwork(self, *listen, *mode, *privKeyPath, *pubKeyDir)
	if err != nil {
		fmt.Println("network error:", err)
		os.Exit(1)
	}

	var memberIDs []types.NodeID
	for mid, peer := range members {
		memberIDs = append(memberIDs, mid)
		if err := n.RegisterNode(mid, peer); err != nil {
			fmt.Println("register", mid, "error:", err)
		}
	}

	var rb *dispatch.Reliable
	var be *dispatch.BestEffort
	var r *router.CachedRouter

	// The factory closes over r itself: it calls back into AddReceiverFor
	// on this same router during its own construction. r is nil only
	// until the router.New call below returns, and the factory is never
	// invoked before then.
	factory := func(target types.TargetRef, self types.NodeID) error {
		fmt.Printf("[router] materializing a demo replica for %s\n", target)
		return r.AddReceiverFor(target, func(message any) {
			fmt.Printf("[router] %s received on %s: %v\n", self, target, message)
		})
	}

	if len(memberIDs) <= 1 {
		r = router.New(dispatch.NewLocal(), self, factory)
	} else {
		rb = dispatch.NewReliable(n, memberIDs)
		be = dispatch.NewBestEffort(n, memberIDs)
		r = router.New(rb, self, factory)
	}

	fmt.Printf("node %s listening on %s (mode=%s, %d members)\n", self, *listen, *mode, len(memberIDs))
	fmt.Println("type 'help' for commands")
	repl(self, n, memberIDs, be, rb, r)
}

func buildNetwork(self types.NodeID, listen, mode, privKeyPath, pubKeyDir string) (netx.Network, error) {
	host, port, err := splitHostPort(listen)
	if err != nil {
		return nil, err
	}
	selfAddr := types.Peer{Host: host, Port: port}

	switch mode {
	case "memory":
		bus := netx.NewMemoryBus()
		return netx.NewMemoryNetwork(bus, self), nil
	case "encrypted":
		if privKeyPath == "" || pubKeyDir == "" {
			return nil, fmt.Errorf("encrypted mode requires -privkey and -pubkeydir")
		}
		locator := func(id types.NodeID) string {
			return filepath.Join(pubKeyDir, string(id)+".pub")
		}
		return netx.NewEncryptedNetwork(self, selfAddr, privKeyPath, locator, netx.DefaultConfig())
	case "plain":
		return netx.NewPlainNetwork(self, selfAddr, netx.DefaultConfig())
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func parseMembers(s string) (types.Membership, error) {
	m := types.Membership{}
	if s == "" {
		return m, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad member entry %q, want id=host:port", entry)
		}
		host, port, err := splitHostPort(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bad address for %q: %w", parts[0], err)
		}
		m[types.NodeID(parts[0])] = types.Peer{Host: host, Port: port}
	}
	return m, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return host, port, nil
}

func repl(self types.NodeID, n netx.Network, members []types.NodeID, be *dispatch.BestEffort, rb *dispatch.Reliable, r *router.CachedRouter) {
	s := bufio.NewScanner(os.Stdin)
	prompt := func() { fmt.Print("> ") }
	prompt()
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			prompt()
			continue
		}
		args := strings.Fields(line)
		switch strings.ToLower(args[0]) {
		case "help":
			printHelp()
		case "whoami":
			fmt.Println("node:", self)
		case "peers":
			for _, m := range members {
				fmt.Println("-", m)
			}
		case "wait":
			others := make([]types.NodeID, 0, len(members))
			for _, mid := range members {
				if mid != self {
					others = append(others, mid)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := barrier.Wait(ctx, n, others)
			cancel()
			if err != nil {
				fmt.Println("wait error:", err)
			} else {
				fmt.Println("all peers ready")
			}
		case "broadcast":
			if be == nil {
				fmt.Println("best-effort broadcast unavailable with a single member; use local router")
				break
			}
			msg := strings.Join(args[1:], " ")
			if err := be.Broadcast(msg); err != nil {
				fmt.Println("error:", err)
			}
		case "rbroadcast":
			if rb == nil {
				fmt.Println("reliable broadcast unavailable with a single member")
				break
			}
			msg := strings.Join(args[1:], " ")
			if err := rb.Broadcast(msg); err != nil {
				fmt.Println("error:", err)
			}
		case "register":
			if len(args) < 2 {
				fmt.Println("usage: register <target>")
				break
			}
			target, err := types.NewTargetRef(args[1])
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			err = r.AddReceiverFor(target, func(message any) {
				fmt.Printf("[router] %s received on %s: %v\n", self, target, message)
			})
			if err != nil {
				fmt.Println("error:", err)
			}
		case "send":
			if len(args) < 3 {
				fmt.Println("usage: send <target> <message...>")
				break
			}
			target, err := types.NewTargetRef(args[1])
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			msg := strings.Join(args[2:], " ")
			if err := r.SendMessageTo(target, msg); err != nil {
				fmt.Println("error:", err)
			}
		case "quit", "exit":
			_ = n.Stop()
			return
		default:
			fmt.Println("unknown command, type 'help'")
		}
		prompt()
	}
}

func printHelp() {
	fmt.Println(`commands:
  whoami                    print this node's id
  peers                      list known member addresses
  wait                        block until every peer has been heard from
  broadcast <text>     best-effort broadcast
  rbroadcast <text>   reliable (Bracha) broadcast
  register <target>    register a demo receiver for a target
  send <target> <text>       route a payload to a target, materializing it if needed
  quit                          stop the network and exit`)
}
