// Package mdns implements a multicast DNS service browser. It
// periodically queries for a configured set of service types on all
// multicast-capable interfaces and emits up/down events as instances
// appear and their records expire.
package mdns

import (
	"context"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/logging"
)

const (
	mdnsPort      = 5353
	maxPacketSize = 4096

	defaultTTL    = 120 * time.Second
	expirySweep   = 5 * time.Second
	defaultEvents = 128
)

var (
	mdnsIPv4Addr = net.ParseIP("224.0.0.251")
	mdnsIPv6Addr = net.ParseIP("ff02::fb")
)

// EventType distinguishes service arrival from expiry.
type EventType string

const (
	ServiceUp   EventType = "up"
	ServiceDown EventType = "down"
)

// ServiceEvent describes one observed service instance transition.
type ServiceEvent struct {
	Type     EventType
	Instance string // full instance name, e.g. "lamp._esphomelib._tcp.local."
	Service  string // service type, e.g. "_esphomelib._tcp"
	Host     string
	Addr     net.IP
	Port     int
	TXT      map[string]string
	At       time.Time
}

// record is a partially assembled instance from PTR/SRV/TXT/A answers.
type record struct {
	instance string
	service  string
	host     string
	addr     net.IP
	port     int
	txt      map[string]string
	expires  time.Time
	emitted  bool
}

// Browser watches the local network for a set of mDNS service types.
type Browser struct {
	services []string
	interval time.Duration
	log      *logging.Logger

	mu    sync.Mutex
	known map[string]*record

	events chan ServiceEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn
}

// NewBrowser creates a browser for the given service types (without the
// ".local." suffix), querying every interval.
func NewBrowser(services []string, interval time.Duration) *Browser {
	return &Browser{
		services: services,
		interval: interval,
		log:      logging.WithComponent("mdns"),
		known:    make(map[string]*record),
		events:   make(chan ServiceEvent, defaultEvents),
	}
}

// Events returns the service transition stream. Closed by Stop.
func (b *Browser) Events() <-chan ServiceEvent { return b.events }

// Start binds the multicast sockets and begins querying. IPv6 failure is
// tolerated; IPv4 failure is fatal since most bridges and nodes announce
// there.
func (b *Browser) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	conn4, err := listenMulticast(ctx, "udp4", ":5353")
	if err != nil {
		return err
	}
	b.pc4 = ipv4.NewPacketConn(conn4)
	b.pc4.SetMulticastLoopback(false)

	ifaces := multicastInterfaces()
	for _, iface := range ifaces {
		if err := b.pc4.JoinGroup(&iface, &net.UDPAddr{IP: mdnsIPv4Addr}); err != nil {
			b.log.Warn("join IPv4 group failed", "interface", iface.Name, "error", err)
		}
	}

	if conn6, err := listenMulticast(ctx, "udp6", "[::]:5353"); err != nil {
		b.log.Warn("IPv6 unavailable, browsing IPv4 only", "error", err)
	} else {
		b.pc6 = ipv6.NewPacketConn(conn6)
		b.pc6.SetMulticastLoopback(false)
		for _, iface := range ifaces {
			if err := b.pc6.JoinGroup(&iface, &net.UDPAddr{IP: mdnsIPv6Addr}); err != nil {
				b.log.Warn("join IPv6 group failed", "interface", iface.Name, "error", err)
			}
		}
	}

	b.wg.Add(3)
	go b.queryLoop(ctx)
	go b.readLoop4(ctx)
	go b.expiryLoop(ctx)
	if b.pc6 != nil {
		b.wg.Add(1)
		go b.readLoop6(ctx)
	}

	b.log.Info("browsing", "services", strings.Join(b.services, ", "))
	return nil
}

// Stop cancels the loops and closes the event stream.
func (b *Browser) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pc4 != nil {
		b.pc4.Close()
	}
	if b.pc6 != nil {
		b.pc6.Close()
	}
	b.wg.Wait()
	close(b.events)
}

// listenMulticast binds a reusable UDP socket so the browser coexists
// with other mDNS stacks on the host.
func listenMulticast(ctx context.Context, network, address string) (net.PacketConn, error) {
	var lc net.ListenConfig
	lc.Control = func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if opErr != nil {
				return
			}
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return opErr
	}
	return lc.ListenPacket(ctx, network, address)
}

func multicastInterfaces() []net.Interface {
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			out = append(out, iface)
		}
	}
	return out
}

// queryLoop sends PTR questions for every configured service type.
func (b *Browser) queryLoop(ctx context.Context) {
	defer b.wg.Done()

	b.sendQueries()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendQueries()
		}
	}
}

func (b *Browser) sendQueries() {
	msg := new(dns.Msg)
	for _, svc := range b.services {
		msg.Question = append(msg.Question, dns.Question{
			Name:   dns.Fqdn(svc + ".local"),
			Qtype:  dns.TypePTR,
			Qclass: dns.ClassINET,
		})
	}

	packed, err := msg.Pack()
	if err != nil {
		b.log.Error("pack query failed", "error", err)
		return
	}

	dst4 := &net.UDPAddr{IP: mdnsIPv4Addr, Port: mdnsPort}
	for _, iface := range multicastInterfaces() {
		cm := &ipv4.ControlMessage{IfIndex: iface.Index}
		b.pc4.SetMulticastTTL(255)
		b.pc4.WriteTo(packed, cm, dst4)
	}

	if b.pc6 != nil {
		dst6 := &net.UDPAddr{IP: mdnsIPv6Addr, Port: mdnsPort}
		for _, iface := range multicastInterfaces() {
			cm := &ipv6.ControlMessage{IfIndex: iface.Index}
			b.pc6.SetMulticastHopLimit(255)
			b.pc6.WriteTo(packed, cm, dst6)
		}
	}
}

func (b *Browser) readLoop4(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		b.pc4.SetReadDeadline(clock.Now().Add(time.Second))
		n, _, _, err := b.pc4.ReadFrom(buf)
		if err != nil {
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			continue
		}
		b.handlePacket(buf[:n])
	}
}

func (b *Browser) readLoop6(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		b.pc6.SetReadDeadline(clock.Now().Add(time.Second))
		n, _, _, err := b.pc6.ReadFrom(buf)
		if err != nil {
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			continue
		}
		b.handlePacket(buf[:n])
	}
}

// handlePacket folds a response's PTR/SRV/TXT/A records into the
// instance cache and emits an up event once an instance has an address
// and port. Non-response and malformed packets are ignored.
func (b *Browser) handlePacket(data []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil || !msg.Response {
		return
	}

	now := clock.Now()
	hostAddrs := make(map[string]net.IP)

	b.mu.Lock()

	all := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range all {
		switch v := rr.(type) {
		case *dns.PTR:
			svc := serviceType(v.Hdr.Name)
			if svc == "" || !b.watches(svc) {
				continue
			}
			rec := b.recordFor(v.Ptr, svc)
			rec.touch(now, rr.Header().Ttl)
		case *dns.SRV:
			svc := serviceType(v.Hdr.Name)
			if svc == "" || !b.watches(svc) {
				continue
			}
			rec := b.recordFor(v.Hdr.Name, svc)
			rec.host = v.Target
			rec.port = int(v.Port)
			rec.touch(now, rr.Header().Ttl)
		case *dns.TXT:
			svc := serviceType(v.Hdr.Name)
			if svc == "" || !b.watches(svc) {
				continue
			}
			rec := b.recordFor(v.Hdr.Name, svc)
			rec.txt = parseTXT(v.Txt)
			rec.touch(now, rr.Header().Ttl)
		case *dns.A:
			hostAddrs[v.Hdr.Name] = v.A
		case *dns.AAAA:
			if _, ok := hostAddrs[v.Hdr.Name]; !ok {
				hostAddrs[v.Hdr.Name] = v.AAAA
			}
		}
	}

	// Attach addresses and collect instances that became complete.
	var ready []ServiceEvent
	for _, rec := range b.known {
		if rec.addr == nil && rec.host != "" {
			if ip, ok := hostAddrs[rec.host]; ok {
				rec.addr = ip
			}
		}
		if !rec.emitted && rec.addr != nil && rec.port != 0 {
			rec.emitted = true
			ready = append(ready, rec.event(ServiceUp, now))
		}
	}
	b.mu.Unlock()

	for _, ev := range ready {
		b.emit(ev)
	}
}

func (b *Browser) watches(service string) bool {
	for _, s := range b.services {
		if s == service {
			return true
		}
	}
	return false
}

// recordFor returns the cache entry for an instance name. Caller holds
// b.mu.
func (b *Browser) recordFor(instance, service string) *record {
	rec, ok := b.known[instance]
	if !ok {
		rec = &record{instance: instance, service: service}
		b.known[instance] = rec
	}
	return rec
}

func (r *record) touch(now time.Time, ttlSecs uint32) {
	ttl := defaultTTL
	if ttlSecs > 0 {
		ttl = time.Duration(ttlSecs) * time.Second
	}
	if exp := now.Add(ttl); exp.After(r.expires) {
		r.expires = exp
	}
}

func (r *record) event(t EventType, at time.Time) ServiceEvent {
	return ServiceEvent{
		Type:     t,
		Instance: r.instance,
		Service:  r.service,
		Host:     strings.TrimSuffix(r.host, "."),
		Addr:     r.addr,
		Port:     r.port,
		TXT:      r.txt,
		At:       at,
	}
}

// expiryLoop retires instances whose records ran out of TTL.
func (b *Browser) expiryLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(expirySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()
			var down []ServiceEvent
			b.mu.Lock()
			for name, rec := range b.known {
				if now.After(rec.expires) {
					if rec.emitted {
						down = append(down, rec.event(ServiceDown, now))
					}
					delete(b.known, name)
				}
			}
			b.mu.Unlock()
			for _, ev := range down {
				b.emit(ev)
			}
		}
	}
}

// emit delivers without blocking; the discovery manager drains quickly
// and a lost transition is recovered by the next query round.
func (b *Browser) emit(ev ServiceEvent) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("event channel full, dropping", "instance", ev.Instance)
	}
}

// serviceType extracts "_svc._tcp" from names like
// "lamp._esphomelib._tcp.local." or "_hue._tcp.local.".
func serviceType(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if strings.HasPrefix(part, "_") && i+1 < len(parts) {
			next := parts[i+1]
			if next == "_tcp" || next == "_udp" {
				return part + "." + next
			}
		}
	}
	return ""
}

// parseTXT splits key=value strings; bare flags map to "".
func parseTXT(txts []string) map[string]string {
	out := make(map[string]string, len(txts))
	for _, t := range txts {
		if k, v, found := strings.Cut(t, "="); found {
			out[k] = v
		} else if t != "" {
			out[t] = ""
		}
	}
	return out
}
