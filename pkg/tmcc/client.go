package tmcc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tmcagent/pkg/account"
	"github.com/cuemby/tmcagent/pkg/log"
	"github.com/cuemby/tmcagent/pkg/metrics"
	"github.com/cuemby/tmcagent/pkg/mount"
	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

const dialTimeout = 10 * time.Second

// Client talks the TMCD wire protocol to one controller endpoint, opening
// a fresh TCP connection for every RPC.
type Client struct {
	host string
	port uint16
}

// New parses a "host" or "host:port" endpoint spec. An empty port segment
// or a non-numeric port is a terminal TmcdBadBossNode error.
func New(endpoint string) (*Client, error) {
	host := endpoint
	port := DefaultPort

	if i := strings.IndexByte(endpoint, ':'); i >= 0 {
		host = endpoint[:i]
		portStr := endpoint[i+1:]
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || host == "" {
			return nil, &tmcderr.TmcdBadBossNode{Host: endpoint}
		}
		port = uint16(n)
	}

	if host == "" {
		return nil, &tmcderr.TmcdBadBossNode{Host: endpoint}
	}

	return &Client{host: host, port: port}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.host, strconv.FormatUint(uint64(c.port), 10))
}

// do opens one connection, sends cmd's frame, and returns the raw reply
// bytes (everything the controller sent before closing).
func (c *Client) do(ctx context.Context, cmd *command) (_ []byte, err error) {
	timer := metrics.NewTimer()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		metrics.RPCRequestsTotal.WithLabelValues(cmd.name, outcome).Inc()
		timer.ObserveDurationVec(metrics.RPCRequestDuration, cmd.name)
	}()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(cmd.bytes()); err != nil {
		return nil, err
	}

	return io.ReadAll(conn)
}

func splitLines(raw []byte) []string {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Accounts runs the "accounts" RPC and builds the Accounts record it
// describes, merging in any synthesized root user from "localization".
func (c *Client) Accounts(ctx context.Context) (*account.Accounts, error) {
	raw, err := c.do(ctx, newCommand("accounts"))
	if err != nil {
		return nil, err
	}

	accounts := account.NewAccounts()

	for _, line := range splitLines(raw) {
		resp, err := ParseResponse(line)
		if err != nil {
			return nil, err
		}

		typ, ok := resp.ResponseType()
		if !ok {
			return nil, &tmcderr.TmcdMissingDirective{Line: line}
		}

		switch typ {
		case "ADDUSER":
			if err := applyAddUser(accounts, resp); err != nil {
				return nil, err
			}
		case "PUBKEY":
			if err := applyPubkey(accounts, resp); err != nil {
				return nil, err
			}
		case "ADDGROUP":
			if err := applyAddGroup(accounts, resp); err != nil {
				return nil, err
			}
		case "SFSKEY":
			// Logged and dropped: SFSKEY carries no state this agent
			// reconciles.
			log.WithComponent("tmcc").Debug().Str("line", line).Msg("ignoring SFSKEY")
		default:
			return nil, &tmcderr.TmcdUnknownDirective{Directive: typ, Line: line}
		}
	}

	if err := c.mergeLocalization(ctx, accounts); err != nil {
		return nil, err
	}

	return accounts, nil
}

func applyAddUser(accounts *account.Accounts, r *Response) error {
	login, err := r.Get("LOGIN")
	if err != nil {
		return err
	}
	if _, exists := accounts.Users[login]; exists {
		return &tmcderr.TmcdDuplicateUser{Login: login}
	}

	uid, err := r.GetUint16("UID")
	if err != nil {
		return err
	}
	gid, err := r.GetUint16("GID")
	if err != nil {
		return err
	}
	serial, _ := r.Get("SERIAL")

	u := account.NewUser(login, uid, gid, serial)

	if root, err := r.Get("ROOT"); err == nil {
		u.Root = root == "1"
	}
	if home, err := r.Get("HOMEDIR"); err == nil {
		u.Home = home
	}
	if shell, err := r.Get("SHELL"); err == nil {
		u.Shell = shell
	}

	accounts.Users[login] = u
	return nil
}

func applyPubkey(accounts *account.Accounts, r *Response) error {
	login, err := r.Get("LOGIN")
	if err != nil {
		return err
	}
	u, ok := accounts.Users[login]
	if !ok {
		return &tmcderr.TmcdNoSuchUser{Login: login}
	}
	key, err := r.Get("KEY")
	if err != nil {
		return err
	}
	u.AddSSHKey(key)
	return nil
}

func applyAddGroup(accounts *account.Accounts, r *Response) error {
	name, err := r.Get("NAME")
	if err != nil {
		return err
	}
	name = strings.ToLower(name)
	if _, exists := accounts.Groups[name]; exists {
		return &tmcderr.TmcdDuplicateGroup{Name: name}
	}
	gid, err := r.GetUint16("GID")
	if err != nil {
		return err
	}
	accounts.Groups[name] = account.NewGroup(name, gid)
	return nil
}

// mergeLocalization runs the "localization" RPC and appends every
// ROOTPUBKEY found to a synthesized root user, merged into accounts.
// Parsing is tolerant: the first unparseable or non-ROOTPUBKEY line ends
// the scan without error.
func (c *Client) mergeLocalization(ctx context.Context, accounts *account.Accounts) error {
	raw, err := c.do(ctx, newCommand("localization"))
	if err != nil {
		return err
	}

	var keys []string
	for _, line := range splitLines(raw) {
		resp, err := ParseResponse(line)
		if err != nil {
			break
		}
		typ, ok := resp.ResponseType()
		if !ok || typ != "ROOTPUBKEY" {
			break
		}
		key, err := resp.Get("KEY")
		if err != nil {
			break
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil
	}

	root, ok := accounts.Users["root"]
	if !ok {
		home := "/root"
		if u, err := user.Lookup("root"); err == nil {
			home = u.HomeDir
		}
		root = account.NewUser("root", 0, 0, "")
		root.Home = home
		root.Root = true
		accounts.Users["root"] = root
	}
	for _, key := range keys {
		root.AddSSHKey(key)
	}

	return nil
}

// Mounts runs the "mounts" RPC. Lines lacking REMOTE are ignored.
func (c *Client) Mounts(ctx context.Context) ([]mount.NfsMount, error) {
	raw, err := c.do(ctx, newCommand("mounts"))
	if err != nil {
		return nil, err
	}

	var mounts []mount.NfsMount
	for _, line := range splitLines(raw) {
		resp, err := ParseResponse(line)
		if err != nil {
			return nil, err
		}
		remote, err := resp.Get("REMOTE")
		if err != nil {
			continue
		}
		local, err := resp.Get("LOCAL")
		if err != nil {
			continue
		}
		mounts = append(mounts, mount.NfsMount{Remote: remote, Local: local})
	}

	return mounts, nil
}

// State reports a lifecycle state to the controller. Write-only; the
// controller sends no meaningful reply.
func (c *Client) State(ctx context.Context, state State) error {
	_, err := c.do(ctx, newCommand("state").arg(string(state)))
	return err
}

// AllocationStatus reports whether the controller considers this node
// allocated (Allocated == false means it is currently unallocated) and,
// if so, the node's nickname. The experiment identifier carried in the
// ALLOCATED key is not kept.
type AllocationStatus struct {
	Allocated bool
	Nickname  string
}

// Status runs the "status" RPC.
func (c *Client) Status(ctx context.Context) (*AllocationStatus, error) {
	raw, err := c.do(ctx, newCommand("status"))
	if err != nil {
		return nil, err
	}

	lines := splitLines(raw)
	if len(lines) == 0 {
		return &AllocationStatus{Allocated: false}, nil
	}

	resp, err := ParseResponse(lines[0])
	if err != nil {
		return nil, err
	}

	if typ, ok := resp.ResponseType(); ok && typ == "FREE" {
		return &AllocationStatus{Allocated: false}, nil
	}

	nickname, err := resp.Get("NICKNAME")
	if err != nil {
		return nil, err
	}
	return &AllocationStatus{Allocated: true, Nickname: nickname}, nil
}

// GeniManifest runs the "geni_manifest" RPC, implementing its zero-byte
// framing: read until the first zero byte; nothing at all is a blank
// response. If exactly one byte was received, read again: nothing more
// is a blank response, a second one-byte read is a server-reported
// error, otherwise the accumulated bytes form the XML payload.
func (c *Client) GeniManifest(ctx context.Context) (*RSpec, error) {
	conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(newCommand("geni_manifest").bytes()); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)

	first, err := reader.ReadBytes(0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(first) == 0 {
		return nil, &tmcderr.TmcdGeniBlankResponse{}
	}
	if len(first) == 1 {
		second, err := reader.ReadBytes(0)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(second) == 0 {
			return nil, &tmcderr.TmcdGeniBlankResponse{}
		}
		if len(second) == 1 {
			return nil, &tmcderr.TmcdGeniError{}
		}
		return parseManifest(trimTrailingZero(second))
	}

	return parseManifest(trimTrailingZero(first))
}

func trimTrailingZero(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte{0})
}
