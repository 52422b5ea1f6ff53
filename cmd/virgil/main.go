// Command virgil runs one Virgil node: it loads a device configuration,
// advertises and discovers peers over mDNS, accepts and dials peer sessions,
// and serves a read-only debug API over the node's live state.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/da-penguin-guy/Virgil/internal/config"
	"github.com/da-penguin-guy/Virgil/internal/discovery"
	"github.com/da-penguin-guy/Virgil/internal/httpapi"
	"github.com/da-penguin-guy/Virgil/internal/logging"
	"github.com/da-penguin-guy/Virgil/internal/node"
	"github.com/da-penguin-guy/Virgil/internal/protocol"
	"github.com/da-penguin-guy/Virgil/internal/store"
)

var log = logging.Scoped("main")

func main() {
	if len(os.Args) > 1 {
		if runCLI(os.Args[1:]) {
			return
		}
	}

	configPath := flag.String("config", "", "device configuration file (interactive prompt if omitted)")
	configDir := flag.String("config-dir", ".", "directory to search for *.config files when -config is omitted")
	port := flag.Int("advertise-port", 7889, "TCP port to listen on and advertise over mDNS")
	apiAddr := flag.String("debug-addr", "", "debug/status API listen address (empty to disable)")
	dbPath := flag.String("db", "virgil.db", "SQLite database path for settings and audit history")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.SetLevel(*logLevel)

	path := *configPath
	if path == "" {
		var err error
		path, err = promptForConfig(*configDir)
		if err != nil {
			log.Fatal("no configuration selected", "err", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("load configuration", "err", err)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal("open store", "err", err)
	}
	defer st.Close()

	n := node.New(cfg)
	n.SetStore(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifySignal(cancel)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("listen", "err", err, "port", *port)
	}
	defer ln.Close()
	go acceptLoop(ctx, ln, n, st)

	discoveryProvider := discovery.MDNS{}
	go func() {
		if err := discoveryProvider.Advertise(ctx, n.SelfName, *port, n.Model, n.Type); err != nil && ctx.Err() == nil {
			log.Error("mdns advertise stopped", "err", err)
		}
	}()
	go func() {
		err := discoveryProvider.Browse(ctx, func(peer discovery.Peer) {
			if peer.Name == n.SelfName {
				return
			}
			connectPeer(ctx, n, st, peer)
		}, func(name string) {
			if s, ok := n.Peers.Get(name); ok {
				s.End()
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Error("mdns browse stopped", "err", err)
		}
	}()

	if *apiAddr != "" {
		api := httpapi.New(n, st)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Error("debug api stopped", "err", err)
			}
		}()
		log.Info("debug api listening", "addr", *apiAddr)
	}

	log.Info("virgil node started", "name", n.SelfName, "port", *port)
	<-ctx.Done()
	log.Info("shutting down")
	time.Sleep(200 * time.Millisecond) // let in-flight sessions flush their last frame
}

// connectPeer dials a discovered peer and hands the connection to the node,
// recording the outcome in the audit log.
func connectPeer(ctx context.Context, n *node.Node, st *store.Store, peer discovery.Peer) {
	if _, ok := n.Peers.Get(peer.Name); ok {
		return
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", peer.Host, peer.Port), 5*time.Second)
	if err != nil {
		log.Warn("dial peer failed", "peer", peer.Name, "err", err)
		return
	}
	if _, ok := n.Connect(ctx, peer.Name, conn); ok {
		_ = st.RecordAudit(ctx, store.AuditEvent{
			Kind:     "peer_connected",
			PeerName: peer.Name,
			Detail:   fmt.Sprintf("%s:%d", peer.Host, peer.Port),
		})
	}
}

// acceptLoop accepts inbound connections, peels off the first frame to
// learn transmittingDevice, and hands the connection (plus the bytes
// already read) to the node.
func acceptLoop(ctx context.Context, ln net.Listener, n *node.Node, st *store.Store) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("accept failed", "err", err)
			continue
		}
		go handleInbound(ctx, n, st, conn)
	}
}

func handleInbound(ctx context.Context, n *node.Node, st *store.Store, conn net.Conn) {
	buf := make([]byte, 64*1024)
	var raw []byte
	var reasm protocol.Reassembler
	for {
		count, err := conn.Read(buf)
		if count > 0 {
			raw = append(raw, buf[:count]...)
			envs, decodeErr := reasm.Feed(buf[:count])
			if len(envs) > 0 {
				peer := envs[0].TransmittingDevice
				if _, ok := n.Accept(ctx, peer, conn, raw); ok {
					_ = st.RecordAudit(ctx, store.AuditEvent{Kind: "peer_accepted", PeerName: peer, Detail: conn.RemoteAddr().String()})
				} else {
					_ = st.RecordAudit(ctx, store.AuditEvent{Kind: "peer_rejected_dedup", PeerName: peer, Detail: conn.RemoteAddr().String()})
				}
				return
			}
			if decodeErr != nil {
				_ = conn.Close()
				return
			}
		}
		if err != nil {
			_ = conn.Close()
			return
		}
	}
}

// promptForConfig lists *.config files in dir and asks the operator to pick
// one, mirroring the interactive selection the reference implementation
// offers when no configuration is specified on the command line.
func promptForConfig(dir string) (string, error) {
	files, err := config.ListConfigFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no .config files found in %s", dir)
	}
	if len(files) == 1 {
		return filepath.Join(dir, files[0]), nil
	}

	fmt.Println("Select a device configuration:")
	for i, f := range files {
		fmt.Printf("  [%d] %s\n", i+1, f)
	}
	fmt.Print("> ")

	var choice int
	if _, err := fmt.Scanln(&choice); err != nil || choice < 1 || choice > len(files) {
		return "", fmt.Errorf("invalid selection")
	}
	return filepath.Join(dir, files[choice-1]), nil
}
