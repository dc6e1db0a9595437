package scripts

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	gssh "github.com/3cpo-dev/chkbus/internal/ssh"
)

// SFTPFetcher pulls scripts from sftp://[user@]host[:port]/path URLs.
type SFTPFetcher struct {
	User       string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
}

func (f *SFTPFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	user := f.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	if u.Hostname() == "" || u.Path == "" {
		return &FetchError{URL: rawURL, Err: fmt.Errorf("sftp url needs host and path")}
	}

	signer, err := gssh.LoadPrivateKeySigner(f.KeyPath)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	kh, err := gssh.LoadKnownHostsCallback(f.KnownHosts)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}

	client, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       net.JoinHostPort(u.Hostname(), port),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    f.Timeout,
	})
	if err != nil {
		return &FetchError{URL: rawURL, Err: fmt.Errorf("connect: %w", err)}
	}
	defer client.Close()

	if err := gssh.PullFile(ctx, client, u.Path, w); err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	return nil
}
