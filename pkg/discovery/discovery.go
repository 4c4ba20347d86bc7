// Package discovery locates the testbed controller ("boss node") through
// an ordered fallback chain: environment, well-known files, DNS SRV, and
// finally the system resolver configuration.
package discovery

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// Endpoint is a resolved controller address, either a bare host (default
// port applies) or a host with an explicit port recovered from SRV.
type Endpoint struct {
	Host string
	Port uint16
}

// String renders the endpoint as host:port, the form pkg/tmcc.New expects.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

const defaultPort uint16 = 7777

var wellKnownFiles = []string{
	"/etc/testbed",
	"/etc/emulab",
	"/etc/rc.d/testbed",
	"/usr/local/etc/testbed",
	"/usr/local/etc/emulab",
}

const srvService = "_emulab_boss"

const resolvConfPath = "/etc/resolv.conf"

const dnsTimeout = 5 * time.Second

// Discover resolves the controller endpoint by trying, in order: the
// BOSSNODE environment variable, the well-known files, an "_emulab_boss"
// DNS SRV record, then the first usable nameserver from resolv.conf.
func Discover() (Endpoint, error) {
	logger := log.WithComponent("discovery")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BossDiscoveryDuration)

	if v := os.Getenv("BOSSNODE"); v != "" {
		logger.Debug().Str("source", "env").Str("bossnode", v).Msg("discovered boss node")
		return parseHostPort(v)
	}

	for _, path := range wellKnownFiles {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		host := strings.TrimSpace(string(content))
		if host == "" {
			continue
		}
		logger.Debug().Str("source", path).Str("bossnode", host).Msg("discovered boss node")
		return parseHostPort(host)
	}

	if ep, err := discoverSRV(); err == nil {
		logger.Debug().Str("source", "dns-srv").Str("bossnode", ep.String()).Msg("discovered boss node")
		return ep, nil
	} else if _, ok := err.(*tmcderr.EmulabBossSrvNotAvailable); ok {
		return Endpoint{}, err
	}

	if ns, err := firstUsableNameserver(); err == nil {
		logger.Debug().Str("source", "resolv.conf").Str("bossnode", ns).Msg("discovered boss node")
		return Endpoint{Host: ns, Port: defaultPort}, nil
	}

	return Endpoint{}, &tmcderr.TmcdFailedToDiscoverBossNode{}
}

func parseHostPort(spec string) (Endpoint, error) {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		host := spec[:i]
		port, err := strconv.ParseUint(spec[i+1:], 10, 16)
		if err != nil || host == "" {
			return Endpoint{}, &tmcderr.TmcdBadBossNode{Host: spec}
		}
		return Endpoint{Host: host, Port: uint16(port)}, nil
	}
	if spec == "" {
		return Endpoint{}, &tmcderr.TmcdBadBossNode{Host: spec}
	}
	return Endpoint{Host: spec, Port: defaultPort}, nil
}

// discoverSRV tries srvService qualified under each of the resolver's
// configured search domains, in order, the same way a stub resolver
// expands an unqualified name - falling back to the bare name if no
// search list is configured.
func discoverSRV() (Endpoint, error) {
	cfg, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return Endpoint{}, err
	}
	if len(cfg.Servers) == 0 {
		return Endpoint{}, &tmcderr.TmcdFailedToDiscoverBossNode{}
	}
	resolver := net.JoinHostPort(cfg.Servers[0], cfg.Port)

	var lastErr error
	for _, name := range searchNames(srvService, cfg.Search) {
		ep, err := querySRV(resolver, name)
		if err == nil {
			return ep, nil
		}
		if _, ok := err.(*tmcderr.EmulabBossSrvNotAvailable); ok {
			return Endpoint{}, err
		}
		lastErr = err
	}
	return Endpoint{}, lastErr
}

// searchNames qualifies service with each search suffix in turn,
// falling back to the bare service name when search is empty.
func searchNames(service string, search []string) []string {
	if len(search) == 0 {
		return []string{service}
	}
	names := make([]string, 0, len(search))
	for _, suffix := range search {
		names = append(names, service+"."+strings.TrimSuffix(suffix, "."))
	}
	return names
}

// querySRV resolves name against the given resolver address
// ("host:port"). Split out from discoverSRV so tests can point it at a
// fake DNS server instead of the system resolver configuration.
func querySRV(resolver, name string) (Endpoint, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)

	client := &dns.Client{Net: "udp", Timeout: dnsTimeout}

	resp, _, err := client.Exchange(msg, resolver)
	if err != nil {
		return Endpoint{}, err
	}

	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		if srv.Target == "." {
			return Endpoint{}, &tmcderr.EmulabBossSrvNotAvailable{}
		}
		return Endpoint{Host: strings.TrimSuffix(srv.Target, "."), Port: srv.Port}, nil
	}

	return Endpoint{}, &tmcderr.TmcdFailedToDiscoverBossNode{}
}

// firstUsableNameserver returns the first configured resolver that isn't
// loopback or link-local, the last link in the discovery chain.
func firstUsableNameserver() (string, error) {
	cfg, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return "", err
	}
	for _, server := range cfg.Servers {
		ip := net.ParseIP(server)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return server, nil
	}
	return "", &tmcderr.TmcdFailedToDiscoverBossNode{}
}
