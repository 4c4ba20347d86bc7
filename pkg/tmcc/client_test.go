package tmcc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/tmcagent/pkg/tmcderr"
)

// fakeController accepts connections until the test ends (Accounts opens
// a second one for "localization"), hands each full request line to
// handle, and writes back whatever handle returns.
func fakeController(t *testing.T, handle func(request string) []byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			buf := make([]byte, 4096)
			n, err := conn.Read(buf)
			if err == nil {
				_, _ = conn.Write(handle(strings.TrimSpace(string(buf[:n]))))
			}
			conn.Close()
		}
	}()

	return ln.Addr().String()
}

func TestNewParsesHostPort(t *testing.T) {
	c, err := New("boss.example.com:1234")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.host != "boss.example.com" || c.port != 1234 {
		t.Fatalf("New = %+v, want host boss.example.com port 1234", c)
	}
}

func TestNewDefaultsPortWhenAbsent(t *testing.T) {
	c, err := New("boss.example.com")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.port != DefaultPort {
		t.Fatalf("port = %d, want %d", c.port, DefaultPort)
	}
}

func TestNewRejectsMalformedPort(t *testing.T) {
	_, err := New("boss.example.com:notaport")
	var bad *tmcderr.TmcdBadBossNode
	if !errors.As(err, &bad) {
		t.Fatalf("New error = %v, want *TmcdBadBossNode", err)
	}
}

func TestAccountsParsesAddUserAndPubkey(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		if strings.Contains(request, "accounts") {
			return []byte("ADDUSER LOGIN=alice PSWD=* UID=20001 GID=12345 ROOT=0 HOMEDIR=/users/alice SERIAL=1 SHELL=bash\n" +
				`PUBKEY LOGIN=alice KEY="ssh-ed25519 AAAA"` + "\n")
		}
		return nil
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	accounts, err := c.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}

	alice, ok := accounts.Users["alice"]
	if !ok {
		t.Fatal("alice not present")
	}
	if alice.UID != 20001 || alice.GID != 12345 {
		t.Fatalf("alice = %+v, want uid 20001 gid 12345", alice)
	}
	if len(alice.SSHKeys) != 1 || alice.SSHKeys[0] != "ssh-ed25519 AAAA" {
		t.Fatalf("alice.SSHKeys = %v", alice.SSHKeys)
	}
}

func TestAccountsPubkeyWithoutAddUserIsFatal(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		return []byte(`PUBKEY LOGIN=ghost KEY="ssh-ed25519 AAAA"` + "\n")
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Accounts(context.Background())
	var noSuch *tmcderr.TmcdNoSuchUser
	if !errors.As(err, &noSuch) {
		t.Fatalf("Accounts error = %v, want *TmcdNoSuchUser", err)
	}
}

func TestAccountsDuplicateLoginIsFatal(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		return []byte("ADDUSER LOGIN=bob PSWD=* UID=1 GID=1 ROOT=0 HOMEDIR=/users/bob SERIAL=1 SHELL=bash\n" +
			"ADDUSER LOGIN=bob PSWD=* UID=2 GID=1 ROOT=0 HOMEDIR=/users/bob SERIAL=1 SHELL=bash\n")
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Accounts(context.Background())
	var dup *tmcderr.TmcdDuplicateUser
	if !errors.As(err, &dup) {
		t.Fatalf("Accounts error = %v, want *TmcdDuplicateUser", err)
	}
}

func TestMountsIgnoresLinesWithoutRemote(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		return []byte("REMOTE=nfs.emulab:/proj/p-PG0 LOCAL=/proj/p-PG0\n" + "SOMETHINGELSE=1\n")
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mounts, err := c.Mounts(context.Background())
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}
	if len(mounts) != 1 || mounts[0].Remote != "nfs.emulab:/proj/p-PG0" {
		t.Fatalf("Mounts = %+v", mounts)
	}
}

func TestStatusFreeReportsUnallocated(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		return []byte("FREE\n")
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Allocated {
		t.Fatalf("Status = %+v, want Allocated=false", status)
	}
}

func TestStatusAllocatedReportsNickname(t *testing.T) {
	addr := fakeController(t, func(request string) []byte {
		return []byte("ALLOCATED=1 NICKNAME=pc1\n")
	})

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Allocated || status.Nickname != "pc1" {
		t.Fatalf("Status = %+v, want Allocated=true Nickname=pc1", status)
	}
}

func TestClientRequestFrameHasVersionAndTrailingSpace(t *testing.T) {
	var received string
	done := make(chan struct{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		received = string(buf[:n])
		close(done)
	}()

	c, err := New(ln.Addr().String())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _ = c.do(context.Background(), newCommand("state").arg("ISUP"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	want := "VERSION=44 state ISUP "
	if received != want {
		t.Fatalf("request frame = %q, want %q", received, want)
	}
}
