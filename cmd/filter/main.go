// filter loads the XDP admission accelerator: a kernel program that drops
// datagrams from unknown networks before they reach a socket. It mirrors
// the catalogue's allow-lists into kernel maps and streams sampled drop
// events out of a ring buffer. The userspace checks in ingestd stay
// authoritative; losing this process only costs efficiency.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	_ "github.com/lib/pq" // Postgres driver for the source catalogue

	"github.com/streamgate/ingest/internal/admission"
	"github.com/streamgate/ingest/internal/catalog"
	"github.com/streamgate/ingest/internal/config"
)

// dropEvent matches the memory layout of the C struct exactly.
type dropEvent struct {
	SrcAddr [16]byte // IPv4-mapped or IPv6
	DstPort uint16
	Proto   uint8
	Reason  uint8
}

// Drop reasons reported by the kernel program.
const (
	reasonUnknownNetwork = 1
	reasonClosedPort     = 2
)

// lpmKey is the trie key for allowed_nets: prefix length plus address.
type lpmKey struct {
	PrefixLen uint32
	Addr      [16]byte
}

func main() {
	log.Println("🛡  Starting filter (XDP admission accelerator)...")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		os.Exit(1)
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		log.Printf("Catalogue error: %v", err)
		os.Exit(1)
	}

	// 1. Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		log.Printf("Removing memlock failed (%v); userspace admission checks remain authoritative", err)
		os.Exit(0)
	}

	// 2. Load pre-compiled eBPF objects.
	objs := admissionObjects{}
	if err := loadAdmissionObjects(&objs, nil); err != nil {
		log.Printf("Loading eBPF objects failed (%v); userspace admission checks remain authoritative", err)
		os.Exit(0)
	}
	defer objs.Close()

	// 3. Attach XDP to the ingest interface.
	ifaceName := os.Getenv("FILTER_IFACE")
	if ifaceName == "" {
		ifaceName = "eth0"
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		log.Printf("Interface %s not found: %v", ifaceName, err)
		os.Exit(1)
	}
	xdp, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.XdpAdmission,
		Interface: iface.Index,
	})
	if err != nil {
		log.Printf("Attaching XDP failed (%v); userspace admission checks remain authoritative", err)
		os.Exit(0)
	}
	defer xdp.Close()

	slog.Info("XDP admission filter attached", "iface", ifaceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Mirror catalogue allow-lists into the kernel maps, refreshing on
	// the same cadence as the syslog binder.
	go syncRules(ctx, cfg, resolver, &objs)

	// 5. Stream sampled drop events out of the ring buffer.
	rd, err := ringbuf.NewReader(objs.DropEvents)
	if err != nil {
		log.Printf("Opening ringbuf reader: %v", err)
		os.Exit(2)
	}
	defer rd.Close()

	go readDrops(rd, cfg)
	go logStats(ctx, objs.DropCounters)

	<-ctx.Done()
	slog.Info("Shutting down gracefully...")
}

func buildResolver(cfg *config.Config) (catalog.Resolver, error) {
	if cfg.CatalogDSN != "" {
		return catalog.NewPostgresResolver(cfg.CatalogDSN)
	}
	if cfg.SourcesFile != "" {
		return catalog.LoadStaticResolver(cfg.SourcesFile)
	}
	return catalog.NewStaticResolver(), nil
}

// syncRules rewrites the kernel maps from the catalogue's syslog
// assignments. The trie holds client prefixes; the port map holds the open
// syslog range plus the API port.
func syncRules(ctx context.Context, cfg *config.Config, resolver catalog.Resolver, objs *admissionObjects) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		sources, err := resolver.SyslogSources(lookupCtx)
		cancel()
		if err != nil {
			slog.Warn("Catalogue lookup failed, keeping current kernel rules", "error", err)
		} else {
			installed := 0
			for _, src := range sources {
				for _, entry := range src.AllowedClients {
					rule, err := admission.ParseRule(entry, src.SyslogPort)
					if err != nil {
						slog.Warn("Skipping bad allow-list entry", "source", src.ID, "error", err)
						continue
					}
					key, ok := trieKey(rule.Network)
					if !ok {
						continue
					}
					port := uint16(rule.Port)
					if err := objs.AllowedNets.Put(&key, &port); err != nil {
						slog.Warn("Kernel map update failed", "error", err)
						continue
					}
					installed++
				}
			}
			for _, p := range cfg.SyslogPorts() {
				port := uint16(p)
				one := uint8(1)
				if err := objs.AllowedPorts.Put(&port, &one); err != nil {
					slog.Warn("Kernel port map update failed", "error", err)
					break
				}
			}
			slog.Info("Kernel admission rules synced", "networks", installed)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// trieKey converts a network into the LPM trie key, widening IPv4 prefixes
// to the IPv4-mapped IPv6 form the kernel program uses.
func trieKey(network *net.IPNet) (lpmKey, bool) {
	ones, _ := network.Mask.Size()
	var key lpmKey
	if v4 := network.IP.To4(); v4 != nil {
		key.PrefixLen = uint32(96 + ones)
		copy(key.Addr[:], net.IP(v4).To16())
		return key, true
	}
	if v6 := network.IP.To16(); v6 != nil {
		key.PrefixLen = uint32(ones)
		copy(key.Addr[:], v6)
		return key, true
	}
	return lpmKey{}, false
}

// readDrops logs sampled kernel drops. The kernel samples rather than
// reporting every drop, so these are for diagnosis, not accounting; the
// per-CPU counters carry the totals.
func readDrops(rd *ringbuf.Reader, cfg *config.Config) {
	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			slog.Warn("Ringbuf read error", "error", err)
			continue
		}

		var ev dropEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			slog.Warn("Drop event parse error", "error", err)
			continue
		}

		reason := "unknown_network"
		if ev.Reason == reasonClosedPort {
			reason = "closed_port"
		}
		syslogRange := int(ev.DstPort) >= cfg.SyslogPortLow && int(ev.DstPort) <= cfg.SyslogPortHigh
		slog.Debug("Kernel dropped datagram",
			"src", net.IP(ev.SrcAddr[:]).String(),
			"dst_port", ev.DstPort,
			"reason", reason,
			"syslog_range", syslogRange)
	}
}

// logStats reports the kernel drop totals once a minute.
func logStats(ctx context.Context, counters *ebpf.Map) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nets, err1 := readCounters(counters, reasonUnknownNetwork)
			ports, err2 := readCounters(counters, reasonClosedPort)
			if err1 != nil || err2 != nil {
				continue
			}
			slog.Info("Kernel drop totals", "unknown_network", nets, "closed_port", ports)
		case <-ctx.Done():
			return
		}
	}
}

// readCounters sums the per-CPU drop counters for one reason.
func readCounters(m *ebpf.Map, reason uint32) (uint64, error) {
	var perCPU []uint64
	if err := m.Lookup(&reason, &perCPU); err != nil {
		return 0, err
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total, nil
}
