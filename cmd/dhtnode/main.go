// dhtnode runs (or briefly probes) a Mainline DHT node.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/mainline-go/dht/dht"
	"github.com/mainline-go/dht/internal/dlog"
	"github.com/mainline-go/dht/server"
)

var (
	listenAddr  = flag.String("addr", ":6881", "UDP listen address")
	bootstrap   = flag.String("bootstrap", strings.Join(dht.DefaultBootstrap, ","), "comma-separated bootstrap host:port list")
	serverMode  = flag.Bool("server", false, "answer inbound queries immediately instead of waiting out the adaptive server-mode interval")
	dbPath      = flag.String("db", "", "persist put/get records to a bolt.DB at this path (implies -server)")
	getHex      = flag.String("get", "", "look up this hex-encoded 20-byte target, print the result, and exit")
	findNode    = flag.Bool("find-node", false, "with -get, do a find_node lookup instead of get_value")
	putImmut    = flag.String("put-immutable", "", "store this string as an immutable value, print its target, and exit")
	lookupTimeout = flag.Duration("timeout", 30*time.Second, "how long a one-shot -get/-put-immutable waits before giving up")
	statusEvery = flag.Duration("status-every", 10*time.Second, "how often a long-running node prints a status line")
)

func main() {
	flag.Var(dlog.GetVerbosity(), "verbosity", "log verbosity (0-4)")
	flag.Parse()

	conn, err := net.ListenPacket("udp4", *listenAddr)
	if err != nil {
		log.Fatalf("dhtnode: listen: %v", err)
	}
	defer conn.Close()

	id, err := dht.RandomID(rand.Reader)
	if err != nil {
		log.Fatalf("dhtnode: generating node id: %v", err)
	}

	cfg := dht.Config{
		Bootstrap:  splitNonEmpty(*bootstrap),
		ServerMode: *serverMode || *dbPath != "",
	}

	if *dbPath != "" {
		bolt, err := server.OpenBoltServer(*dbPath)
		if err != nil {
			log.Fatalf("dhtnode: opening %s: %v", *dbPath, err)
		}
		defer bolt.Close()
		cfg.Server = bolt
	} else if cfg.ServerMode {
		cfg.Server = server.NewStore()
	}

	r, err := dht.NewRpc(cfg, conn, id)
	if err != nil {
		log.Fatalf("dhtnode: starting engine: %v", err)
	}
	dlog.Infof("dhtnode: listening on %s as %s", r.LocalAddr(), r.ID())

	switch {
	case *putImmut != "":
		runPutImmutable(r, []byte(*putImmut))
	case *getHex != "":
		runGet(r, *getHex, *findNode)
	default:
		runServe(r)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runPutImmutable(r *dht.Rpc, value []byte) {
	item := dht.NewImmutableItem(value)
	fmt.Printf("target: %s\n", item.Target)

	if err := r.Put(dht.Request{Kind: dht.KindPutImmutable, Target: item.Target, Value: item.Value}); err != nil {
		log.Fatalf("dhtnode: put: %v", err)
	}

	deadline := time.Now().Add(*lookupTimeout)
	for time.Now().Before(deadline) {
		report := r.Tick()
		for _, target := range report.DonePutQueries {
			if target == item.Target {
				color.Green("put complete")
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	color.Red("put timed out after %s", *lookupTimeout)
	os.Exit(1)
}

func runGet(r *dht.Rpc, hex string, asFindNode bool) {
	target, err := dht.HexID(hex)
	if err != nil {
		log.Fatalf("dhtnode: -get: %v", err)
	}

	kind := dht.KindGetValue
	if asFindNode {
		kind = dht.KindFindNode
	}

	deadline := time.Now().Add(*lookupTimeout)
	for time.Now().Before(deadline) {
		if resp := r.Get(dht.Request{Kind: kind, Target: target}, nil); resp != nil {
			printResponses(resp)
			return
		}
		r.Tick()
		time.Sleep(20 * time.Millisecond)
	}
	color.Red("lookup timed out after %s", *lookupTimeout)
	os.Exit(1)
}

func printResponses(responses []*dht.Response) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tVALUE\tSEQ\tNODES\tPEERS")
	for _, r := range responses {
		value := "-"
		if r.Value != nil {
			value = string(r.Value)
		}
		seq := "-"
		if r.Seq != nil {
			seq = fmt.Sprintf("%d", *r.Seq)
		}
		from := "-"
		if r.From != nil {
			from = r.From.Addr.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", from, value, seq, len(r.Nodes), len(r.Values))
	}
	w.Flush()
}

func runServe(r *dht.Rpc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	statusTicker := time.NewTicker(*statusEvery)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigCh:
			dlog.Infof("dhtnode: shutting down")
			return
		case <-ticker.C:
			r.Tick()
		case <-statusTicker.C:
			printStatus(r)
		}
	}
}

func printStatus(r *dht.Rpc) {
	n, samples := r.DHTSizeEstimate()
	mode := color.YellowString("client")
	if r.ServerMode() {
		mode = color.GreenString("server")
	}
	firewalled := ""
	if r.Firewalled() {
		firewalled = color.RedString(" firewalled")
	}
	fmt.Printf("[%s] mode=%s table=%d size~=%.0f (n=%d)%s\n",
		time.Now().Format("15:04:05"), mode, r.RoutingTable().Size(), n, samples, firewalled)
}
