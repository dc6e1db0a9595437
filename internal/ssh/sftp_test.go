package ssh

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/pkg/sftp"
)

// newPipeClient serves an in-memory SFTP filesystem over a pipe.
func newPipeClient(t *testing.T) *sftp.Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	server := sftp.NewRequestServer(srvConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(cliConn, cliConn)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func TestPull(t *testing.T) {
	sf := newPipeClient(t)
	if err := sf.Mkdir("/checks"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := sf.Create("/checks/ping.sh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte("#!/bin/sh\necho pong\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	var buf bytes.Buffer
	n, err := Pull(context.Background(), sf, "/checks/ping.sh", &buf)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if buf.String() != "#!/bin/sh\necho pong\n" || n != int64(buf.Len()) {
		t.Fatalf("unexpected content %q (%d bytes)", buf.String(), n)
	}

	if _, err := Pull(context.Background(), sf, "/checks/missing.sh", &buf); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Pull(context.Background(), sf, "/checks", &buf); err == nil {
		t.Fatalf("expected error for directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Pull(ctx, sf, "/checks/ping.sh", &buf); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
