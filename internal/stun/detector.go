// Package stun implements the one-shot asynchronous NAT classification
// probe run before a call manager accepts inbound traffic.
package stun

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
)

// NATType classifies the network between us and the public internet.
type NATType int

const (
	// NATUnknown means the probe has not completed
	NATUnknown NATType = iota
	// NATOpen means the local address is publicly reachable as-is
	NATOpen
	// NATCone means a cone NAT maps us to one stable public address
	NATCone
	// NATSymmetric means mappings change per destination; unusable for
	// inbound media without a relay
	NATSymmetric
	// NATBlocked means the probe got no answer at all
	NATBlocked
)

// String returns the string representation of the NAT type
func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "Open"
	case NATCone:
		return "Cone"
	case NATSymmetric:
		return "Symmetric"
	case NATBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Favorable reports whether inbound listen addresses are usable with
// this NAT type.
func (t NATType) Favorable() bool {
	return t == NATOpen || t == NATCone
}

// Result is the single outcome of one detection run.
type Result struct {
	Type     NATType
	MappedIP string
	Err      error
}

// Detector runs the probe on a background worker and parks its single
// result in a bounded queue for the coordination context to poll.
type Detector struct {
	server  string
	timeout time.Duration

	once    sync.Once
	results chan Result
}

// NewDetector creates a detector aimed at the given STUN server
// ("host:port").
func NewDetector(server string, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Detector{
		server:  server,
		timeout: timeout,
		results: make(chan Result, 1),
	}
}

// Start launches the probe worker. Calling it again is a no-op; a fresh
// detection needs a fresh Detector.
func (d *Detector) Start() {
	d.once.Do(func() {
		go func() {
			res := d.probe()
			slog.Debug("[STUN] Probe finished", "type", res.Type.String(), "mapped_ip", res.MappedIP, "error", res.Err)
			d.results <- res
		}()
	})
}

// TryResult polls the result queue without blocking.
func (d *Detector) TryResult() (Result, bool) {
	select {
	case res := <-d.results:
		return res, true
	default:
		return Result{}, false
	}
}

// probe runs two binding transactions from distinct local sockets. The
// mapped-address deltas tell open internet, cone NAT and symmetric NAT
// apart well enough to decide whether listen ports need rebinding.
func (d *Detector) probe() Result {
	first, err := d.binding()
	if err != nil {
		return Result{Type: NATBlocked, Err: err}
	}

	if isLocalAddress(first.mapped.IP) {
		return Result{Type: NATOpen, MappedIP: first.mapped.IP.String()}
	}

	second, err := d.binding()
	if err != nil {
		// One good answer is enough to call it a cone mapping.
		return Result{Type: NATCone, MappedIP: first.mapped.IP.String()}
	}

	if first.mapped.Port-first.local.Port != second.mapped.Port-second.local.Port {
		return Result{Type: NATSymmetric, MappedIP: first.mapped.IP.String()}
	}
	return Result{Type: NATCone, MappedIP: first.mapped.IP.String()}
}

type bindingResult struct {
	local  *net.UDPAddr
	mapped stun.XORMappedAddress
}

// binding performs one STUN binding request from a fresh local socket.
func (d *Detector) binding() (bindingResult, error) {
	raddr, err := net.ResolveUDPAddr("udp4", d.server)
	if err != nil {
		return bindingResult{}, fmt.Errorf("resolve STUN server %s: %w", d.server, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return bindingResult{}, fmt.Errorf("dial STUN server: %w", err)
	}

	client, err := stun.NewClient(conn, stun.WithRTO(d.timeout))
	if err != nil {
		conn.Close()
		return bindingResult{}, fmt.Errorf("create STUN client: %w", err)
	}
	defer client.Close()

	var out bindingResult
	out.local = conn.LocalAddr().(*net.UDPAddr)

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var cbErr error
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			cbErr = res.Error
			return
		}
		if err := out.mapped.GetFrom(res.Message); err != nil {
			cbErr = fmt.Errorf("no XOR-mapped address: %w", err)
		}
	})
	if err != nil {
		return bindingResult{}, fmt.Errorf("binding request: %w", err)
	}
	if cbErr != nil {
		return bindingResult{}, cbErr
	}
	return out, nil
}

// isLocalAddress reports whether ip is bound on one of our interfaces.
func isLocalAddress(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
