// Package sshutil builds SSH client configurations tolerant of older network
// device images and dials them with context-aware timeouts.
package sshutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultTimeout bounds TCP connect plus SSH handshake.
const DefaultTimeout = 30 * time.Second

// Target identifies an SSH endpoint and its credentials.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Legacy algorithm lists. Old IOS and head-end images only offer group1/group14
// key exchange and CBC ciphers.
var (
	keyExchanges = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group-exchange-sha1",
	}
	ciphers = []string{
		"aes128-gcm@openssh.com",
		"aes256-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
		"aes128-cbc",
		"3des-cbc",
	}
	macs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha1",
		"hmac-sha1-96",
	}
)

// ClientConfig returns an ssh.ClientConfig using password and
// keyboard-interactive authentication. A nil callback disables host key
// verification.
func ClientConfig(t Target, hostKey ssh.HostKeyCallback) *ssh.ClientConfig {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if hostKey == nil {
		// Lab equipment is re-imaged constantly; keys are not stable.
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	pass := t.Password
	return &ssh.ClientConfig{
		User: t.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(pass),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = pass
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
		Config: ssh.Config{
			KeyExchanges: keyExchanges,
			Ciphers:      ciphers,
			MACs:         macs,
		},
	}
}

// Dial connects to the target, honouring ctx for the TCP connect.
func Dial(ctx context.Context, t Target, hostKey ssh.HostKeyCallback) (*ssh.Client, error) {
	cfg := ClientConfig(t, hostKey)
	addr := t.Addr()

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s@%s: %w", t.User, addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// KnownHosts manages a testbed-wide known_hosts file. Reset deletes the file;
// Callback trusts and records whatever key a host presents on first contact
// and verifies it afterwards.
type KnownHosts struct {
	Path string
	mu   sync.Mutex
}

// Reset removes the known-hosts file. Missing files are not an error.
func (k *KnownHosts) Reset() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := os.Remove(k.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", k.Path, err)
	}
	return nil
}

// Callback returns a trust-on-first-use host key callback backed by Path.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		k.mu.Lock()
		defer k.mu.Unlock()

		if _, err := os.Stat(k.Path); err == nil {
			check, err := knownhosts.New(k.Path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", k.Path, err)
			}
			err = check(hostname, remote, key)
			if err == nil {
				return nil
			}
			if ke, ok := err.(*knownhosts.KeyError); !ok || len(ke.Want) > 0 {
				return err
			}
		}
		return k.append(hostname, key)
	}
}

func (k *KnownHosts) append(hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(k.Path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(k.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	return err
}
