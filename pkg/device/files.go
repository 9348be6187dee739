package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/sftp"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

// File hygiene is best-effort: every operation re-lists storage to check
// its post-condition, and a failed check is logged and reported as false.

var (
	iosDestination = `(?i)destination filename \[[^\]]*\]\?\s*$`
	iosConfirm     = `\[confirm\]\s*$`
	iosOverwrite   = `(?i)overwrite\?\s*(\[confirm\])?\s*$`
)

// CopyFile copies src to dst on the device's persistent storage (flash: on
// IOS, the filesystem on Linux) and reports whether dst exists afterwards.
func (m *Manager) CopyFile(ctx context.Context, eid, src, dst string) bool {
	dev, conn, ok := m.fileTarget(eid, "copy")
	if !ok {
		return false
	}
	log := util.WithDevice(eid).WithField("operation", "copy")

	var err error
	switch {
	case dev.OS != testbed.OSLinux:
		err = iosCopy(ctx, conn, src, dst)
	case hasSSHClient(conn):
		err = sftpCopy(conn, src, dst)
	default:
		_, err = conn.Exec(ctx, fmt.Sprintf("cp -f %s %s", util.ShellQuotePath(src), util.ShellQuotePath(dst)))
	}
	if err != nil {
		log.Warnf("copy %s -> %s: %v", src, dst, err)
	}

	present, err := m.listContains(ctx, dev, conn, dst)
	if err != nil {
		log.Warnf("listing after copy: %v", err)
		return false
	}
	if !present {
		log.Errorf("copy %s -> %s: %s not present afterwards", src, dst, dst)
		return false
	}
	return true
}

// DeleteFiles removes names from the device's persistent storage and
// reports whether all of them are gone.
func (m *Manager) DeleteFiles(ctx context.Context, eid string, names ...string) bool {
	dev, conn, ok := m.fileTarget(eid, "delete")
	if !ok {
		return false
	}
	log := util.WithDevice(eid).WithField("operation", "delete")

	for _, name := range names {
		var err error
		switch {
		case dev.OS != testbed.OSLinux:
			_, err = execAnswering(ctx, conn, "delete /force flash:"+name, expect.Step{Expect: iosConfirm, Send: "\r"})
		case hasSSHClient(conn):
			err = sftpRemove(conn, name)
		default:
			_, err = conn.Exec(ctx, "rm -f "+util.ShellQuotePath(name))
		}
		if err != nil {
			log.Warnf("delete %s: %v", name, err)
		}
	}

	allGone := true
	for _, name := range names {
		present, err := m.listContains(ctx, dev, conn, name)
		if err != nil {
			log.Warnf("listing after delete: %v", err)
			return false
		}
		if present {
			log.Errorf("delete %s: still present afterwards", name)
			allGone = false
		}
	}
	return allGone
}

func (m *Manager) fileTarget(eid, op string) (*testbed.Device, Conn, bool) {
	dev, ok := m.tb.Device(eid)
	if !ok {
		util.WithDevice(eid).Errorf("%s: unknown device", op)
		return nil, nil, false
	}
	conn := m.Conn(eid)
	if conn == nil {
		util.WithDevice(eid).Errorf("%s: %v", op, util.ErrNotConnected)
		return nil, nil, false
	}
	return dev, conn, true
}

func execAnswering(ctx context.Context, conn Conn, cmd string, answers ...expect.Step) (string, error) {
	if p, ok := conn.(Prompter); ok {
		return p.ExecAnswering(ctx, cmd, answers...)
	}
	return conn.Exec(ctx, cmd)
}

func iosCopy(ctx context.Context, conn Conn, src, dst string) error {
	out, err := execAnswering(ctx, conn, fmt.Sprintf("copy flash:%s flash:%s", src, dst),
		expect.Step{Expect: iosDestination, Send: "\r"},
		expect.Step{Expect: iosOverwrite, Send: "\r"},
	)
	if err != nil {
		return err
	}
	if strings.Contains(out, "%Error") {
		return fmt.Errorf("%s", strings.TrimSpace(out))
	}
	return nil
}

func hasSSHClient(conn Conn) bool {
	sc, ok := conn.(SSHClienter)
	return ok && sc.SSHClient() != nil
}

func openSFTP(conn Conn) (*sftp.Client, error) {
	sc, ok := conn.(SSHClienter)
	if !ok || sc.SSHClient() == nil {
		return nil, fmt.Errorf("sftp: %w", util.ErrNotConnected)
	}
	return sftp.NewClient(sc.SSHClient())
}

func sftpCopy(conn Conn, src, dst string) error {
	client, err := openSFTP(conn)
	if err != nil {
		return err
	}
	defer client.Close()

	in, err := client.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := client.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}

func sftpRemove(conn Conn, name string) error {
	client, err := openSFTP(conn)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// listContains re-lists the storage holding name and reports whether name
// is there.
func (m *Manager) listContains(ctx context.Context, dev *testbed.Device, conn Conn, name string) (bool, error) {
	if dev.OS != testbed.OSLinux {
		out, err := conn.Exec(ctx, "dir flash:")
		if err != nil {
			return false, err
		}
		return flashListed(out, name), nil
	}

	dir, base := path.Split(name)
	if dir == "" {
		dir = "."
	}
	if hasSSHClient(conn) {
		client, err := openSFTP(conn)
		if err != nil {
			return false, err
		}
		defer client.Close()
		entries, err := client.ReadDir(dir)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.Name() == base {
				return true, nil
			}
		}
		return false, nil
	}

	out, err := conn.Exec(ctx, "ls -1 "+util.ShellQuotePath(dir))
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == base {
			return true, nil
		}
	}
	return false, nil
}

// flashListed looks for name as the last column of an IOS "dir" listing.
func flashListed(listing, name string) bool {
	re := regexp.MustCompile(`(?m)\s` + regexp.QuoteMeta(name) + `[ \t]*$`)
	return re.MatchString(strings.ReplaceAll(listing, "\r", ""))
}
