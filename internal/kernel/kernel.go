// Package kernel is the Kernel Adapter (C1): thin, side-effect-only
// wrappers over ip rule, ip route, iptables, wg, and ping. Every
// operation runs through an execx.Runner under a fixed wall-clock
// timeout and returns a typed result; textual command output is
// parsed line-by-line and unknown fields are ignored.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"wgrouter/internal/execx"
)

// KernelError wraps a failed or timed-out external command.
type KernelError = execx.ExitError

// ErrAlreadyExists and ErrNotFound are returned (wrapped) by idempotent
// add/delete primitives so callers can tell a no-op apart from a
// genuine failure.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
)

// Adapter is the Kernel Adapter. It is safe for concurrent use; every
// method is a single external command invocation (or a small fixed
// sequence of them).
type Adapter struct {
	r            execx.Runner
	timeout      time.Duration
	firewallTag  string
}

// New constructs a Kernel Adapter. timeout bounds every invocation;
// firewallTag is the iptables comment used to scope our rules.
func New(r execx.Runner, timeout time.Duration, firewallTag string) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if firewallTag == "" {
		firewallTag = "wg-quickrs"
	}
	return &Adapter{r: r, timeout: timeout, firewallTag: firewallTag}
}

func (a *Adapter) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.timeout)
}

func tableArg(table string) string {
	if table == "" {
		return "main"
	}
	return table
}

// --- ip rule -----------------------------------------------------------

// RuleAdd installs an `ip rule` matching src and/or dst, directing
// lookups to table at the given priority. Returns ErrAlreadyExists
// (wrapped) when an identical rule is already present; this is not
// treated as a failure by callers.
func (a *Adapter) RuleAdd(ctx context.Context, src, dst *netip.Prefix, table string, priority uint32) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	args := []string{"rule", "add", "pref", strconv.FormatUint(uint64(priority), 10)}
	if src != nil {
		args = append(args, "from", src.String())
	}
	if dst != nil {
		args = append(args, "to", dst.String())
	}
	args = append(args, "lookup", tableArg(table))
	err := a.r.Run(ctx, "ip", args...)
	if err == nil {
		return nil
	}
	if isAlreadyExists(err) {
		return fmt.Errorf("rule add pref %d: %w", priority, ErrAlreadyExists)
	}
	return err
}

// RuleDelByPriority removes every `ip rule` at the given priority.
// Returns ErrNotFound (wrapped) if none existed.
func (a *Adapter) RuleDelByPriority(ctx context.Context, priority uint32) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	err := a.r.Run(ctx, "ip", "rule", "del", "pref", strconv.FormatUint(uint64(priority), 10))
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("rule del pref %d: %w", priority, ErrNotFound)
	}
	return err
}

// Rule is one parsed line of `ip rule show`.
type Rule struct {
	Priority uint32
	Src      *netip.Prefix
	Dst      *netip.Prefix
	Table    string
}

// RuleList enumerates current `ip rule` entries.
func (a *Adapter) RuleList(ctx context.Context) ([]Rule, error) {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	out, err := a.r.Output(ctx, "ip", "-4", "rule", "show")
	if err != nil {
		return nil, err
	}
	return parseRules(out), nil
}

// parseRules parses lines like:
//
//	20000:	from 10.0.34.2/32 lookup 1000
//	19800:	from 10.0.34.0/24 to 192.168.1.0/24 lookup main
//	32766:	from all lookup main
func parseRules(out string) []Rule {
	var rules []Rule
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		pref, err := strconv.ParseUint(strings.TrimSpace(line[:colon]), 10, 32)
		if err != nil {
			continue
		}
		rule := Rule{Priority: uint32(pref)}
		fields := strings.Fields(line[colon+1:])
		for i := 0; i < len(fields); i++ {
			switch fields[i] {
			case "from":
				if i+1 < len(fields) && fields[i+1] != "all" {
					if p, err := netip.ParsePrefix(hostify(fields[i+1])); err == nil {
						rule.Src = &p
					}
					i++
				} else {
					i++
				}
			case "to":
				if i+1 < len(fields) {
					if p, err := netip.ParsePrefix(hostify(fields[i+1])); err == nil {
						rule.Dst = &p
					}
					i++
				}
			case "lookup":
				if i+1 < len(fields) {
					rule.Table = fields[i+1]
					i++
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules
}

func hostify(addr string) string {
	if strings.Contains(addr, "/") {
		return addr
	}
	return addr + "/32"
}

func isAlreadyExists(err error) bool {
	return containsAny(err, "File exists", "RTNETLINK answers: File exists")
}

func isNotFound(err error) bool {
	return containsAny(err, "No such file or directory", "RTNETLINK answers: No such")
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// --- ip route ------------------------------------------------------------

// RouteReplace installs or replaces a route for dst in table, via an
// optional gateway, out the given device.
func (a *Adapter) RouteReplace(ctx context.Context, table string, dst netip.Prefix, via *netip.Addr, dev string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	args := []string{"route", "replace", dst.String()}
	if via != nil {
		args = append(args, "via", via.String())
	}
	args = append(args, "dev", dev, "table", tableArg(table))
	return a.r.Run(ctx, "ip", args...)
}

// RouteBlackhole installs a blackhole default route in table.
func (a *Adapter) RouteBlackhole(ctx context.Context, table string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	return a.r.Run(ctx, "ip", "route", "replace", "blackhole", "default", "table", tableArg(table))
}

// RouteFlushTable removes every route in table.
func (a *Adapter) RouteFlushTable(ctx context.Context, table string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	return a.r.Run(ctx, "ip", "route", "flush", "table", tableArg(table))
}

// --- iptables --------------------------------------------------------------

// NATMasquerade idempotently inserts or removes a POSTROUTING
// MASQUERADE rule for src traffic leaving outIf, tagged with the
// adapter's firewall comment.
func (a *Adapter) NATMasquerade(ctx context.Context, src netip.Prefix, outIf string, enabled bool) error {
	return a.toggleRule(ctx, enabled,
		[]string{"-t", "nat", "-A", "POSTROUTING", "-s", src.String(), "-o", outIf, "-j", "MASQUERADE", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-t", "nat", "-D", "POSTROUTING", "-s", src.String(), "-o", outIf, "-j", "MASQUERADE", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-t", "nat", "-C", "POSTROUTING", "-s", src.String(), "-o", outIf, "-j", "MASQUERADE", "-m", "comment", "--comment", a.firewallTag},
	)
}

// NATExcludeLAN inserts a POSTROUTING ACCEPT (no masquerade) rule for
// traffic destined to a LAN CIDR, ordered before the general
// MASQUERADE rule so LAN-bound traffic is never translated.
func (a *Adapter) NATExcludeLAN(ctx context.Context, src, lan netip.Prefix, enabled bool) error {
	return a.toggleRule(ctx, enabled,
		[]string{"-t", "nat", "-I", "POSTROUTING", "-s", src.String(), "-d", lan.String(), "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-t", "nat", "-D", "POSTROUTING", "-s", src.String(), "-d", lan.String(), "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-t", "nat", "-C", "POSTROUTING", "-s", src.String(), "-d", lan.String(), "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
	)
}

// ForwardAllow idempotently installs (or removes) the forward rule
// allowing traffic from inIf to outIf, and optionally the stateful
// return rule for established/related connections.
func (a *Adapter) ForwardAllow(ctx context.Context, inIf, outIf string, stateful, enabled bool) error {
	if err := a.toggleRule(ctx, enabled,
		[]string{"-A", "FORWARD", "-i", inIf, "-o", outIf, "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-D", "FORWARD", "-i", inIf, "-o", outIf, "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-C", "FORWARD", "-i", inIf, "-o", outIf, "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
	); err != nil {
		return err
	}
	if !stateful {
		return nil
	}
	return a.toggleRule(ctx, enabled,
		[]string{"-A", "FORWARD", "-i", outIf, "-o", inIf, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-D", "FORWARD", "-i", outIf, "-o", inIf, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
		[]string{"-C", "FORWARD", "-i", outIf, "-o", inIf, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT", "-m", "comment", "--comment", a.firewallTag},
	)
}

// toggleRule checks presence via iptables -C, then applies add/del
// only if it would change anything -- making every call idempotent.
func (a *Adapter) toggleRule(ctx context.Context, enabled bool, addArgs, delArgs, checkArgs []string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	_, checkErr := a.r.Output(ctx, "iptables", checkArgs...)
	present := checkErr == nil
	switch {
	case enabled && !present:
		return a.r.Run(ctx, "iptables", addArgs...)
	case !enabled && present:
		return a.r.Run(ctx, "iptables", delArgs...)
	default:
		return nil
	}
}

// IptablesLinesTagged lists iptables-save lines carrying the adapter's
// firewall comment, for teardown / P1 (Host purity) verification.
func (a *Adapter) IptablesLinesTagged(ctx context.Context) ([]string, error) {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	out, err := a.r.Output(ctx, "iptables-save")
	if err != nil {
		return nil, err
	}
	var tagged []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, a.firewallTag) {
			tagged = append(tagged, line)
		}
	}
	return tagged, nil
}

// TeardownTagged removes every iptables line (in any table) carrying
// the adapter's firewall comment, by reading iptables-save and
// replaying each tagged "-A ..." line as a "-D ..." delete in its
// originating table. A no-op if nothing is tagged.
func (a *Adapter) TeardownTagged(ctx context.Context) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	out, err := a.r.Output(ctx, "iptables-save")
	if err != nil {
		return err
	}
	table := "filter"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "*") {
			table = strings.TrimPrefix(line, "*")
			continue
		}
		if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, a.firewallTag) {
			continue
		}
		fields := strings.Fields(line)
		fields[0] = "-D"
		args := append([]string{"-t", table}, fields...)
		if err := a.r.Run(ctx, "iptables", args...); err != nil {
			return err
		}
	}
	return nil
}

// --- wg --------------------------------------------------------------------

// WGPeerStat is one peer record from `wg show <iface> dump`.
type WGPeerStat struct {
	PublicKey       string
	Endpoint        string
	LatestHandshake int64 // epoch seconds, 0 = never
	RxBytes         int64
	TxBytes         int64
}

// WGShowDump parses `wg show <iface> dump`. The first line (interface
// info) is skipped; each subsequent line is
// pubkey psk endpoint allowed-ips latest-handshake rx tx keepalive.
func (a *Adapter) WGShowDump(ctx context.Context, iface string) ([]WGPeerStat, error) {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	out, err := a.r.Output(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, err
	}
	return parseWGDump(out), nil
}

func parseWGDump(out string) []WGPeerStat {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 1 {
		return nil
	}
	var stats []WGPeerStat
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stat := WGPeerStat{PublicKey: fields[0]}
		if len(fields) > 2 && fields[2] != "(none)" {
			stat.Endpoint = fields[2]
		}
		if len(fields) > 4 {
			if v, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
				stat.LatestHandshake = v
			}
		}
		if len(fields) > 5 {
			if v, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
				stat.RxBytes = v
			}
		}
		if len(fields) > 6 {
			if v, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
				stat.TxBytes = v
			}
		}
		stats = append(stats, stat)
	}
	return stats
}

// WGRemovePeer removes a peer from iface by public key (best-effort
// reconnect primitive — used by peer_control).
func (a *Adapter) WGRemovePeer(ctx context.Context, iface, pubKey string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	return a.r.Run(ctx, "wg", "set", iface, "peer", pubKey, "remove")
}

// WGAddPeer (re)adds a peer to iface with the given allowed-ips.
func (a *Adapter) WGAddPeer(ctx context.Context, iface, pubKey string, allowedIPs []string, endpoint string) error {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	args := []string{"set", iface, "peer", pubKey, "allowed-ips", strings.Join(allowedIPs, ",")}
	if endpoint != "" {
		args = append(args, "endpoint", endpoint)
	}
	return a.r.Run(ctx, "wg", args...)
}

// --- icmp --------------------------------------------------------------

// ICMPResult is the outcome of a single echo.
type ICMPResult struct {
	RTT     time.Duration
	Timeout bool
}

// ICMPEcho shells out to `ping` to send count echoes to dst with the
// given per-probe timeout, returning the RTT of the last successful
// reply.
func (a *Adapter) ICMPEcho(ctx context.Context, dst netip.Addr, timeout time.Duration, count int) (ICMPResult, error) {
	if count <= 0 {
		count = 1
	}
	deadline := timeout * time.Duration(count+1)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	waitSec := int(timeout.Round(time.Second) / time.Second)
	if waitSec < 1 {
		waitSec = 1
	}
	out, err := a.r.Output(ctx, "ping", "-n", "-c", strconv.Itoa(count), "-W", strconv.Itoa(waitSec), dst.String())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ICMPResult{Timeout: true}, nil
		}
		return ICMPResult{Timeout: true}, nil
	}
	rtt, ok := parsePingRTT(out)
	if !ok {
		return ICMPResult{Timeout: true}, nil
	}
	return ICMPResult{RTT: rtt}, nil
}

// parsePingRTT extracts the last rtt=/time= value from `ping` output,
// e.g. "64 bytes from 10.0.34.2: icmp_seq=1 ttl=64 time=0.842 ms".
func parsePingRTT(out string) (time.Duration, bool) {
	var last time.Duration
	found := false
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "time=")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("time="):]
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			end = len(rest)
		}
		ms, err := strconv.ParseFloat(rest[:end], 64)
		if err != nil {
			continue
		}
		last = time.Duration(ms * float64(time.Millisecond))
		found = true
	}
	return last, found
}

// DefaultRouteInterface shells out to `ip route show default` to
// discover the host's egress interface.
func (a *Adapter) DefaultRouteInterface(ctx context.Context) (string, error) {
	ctx, cancel := a.ctx(ctx)
	defer cancel()
	out, err := a.r.Output(ctx, "ip", "-4", "route", "show", "default")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no default route found")
}
