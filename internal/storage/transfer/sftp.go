package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"drivebackup/internal/config"
	"drivebackup/internal/storage"
)

type sftpSession struct {
	client *sftp.Client
	ssh    *ssh.Client // nil when the client runs over a pipe
}

// hostKeyCallback builds an ssh.HostKeyCallback from the config.
// Priority: HostKey > KnownHostsFile > error.
func hostKeyCallback(cfg config.FTPConfig) (ssh.HostKeyCallback, error) {
	if cfg.HostKey != "" {
		key, err := parseHostKey(cfg.HostKey)
		if err != nil {
			return nil, fmt.Errorf("%w: sftp host key: %w", storage.ErrMisconfigured, err)
		}
		return ssh.FixedHostKey(key), nil
	}

	if cfg.KnownHostsFile != "" {
		if _, err := os.Stat(cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("%w: known_hosts file not found: %w", storage.ErrMisconfigured, err)
		}
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse known_hosts: %w", storage.ErrMisconfigured, err)
		}
		return callback, nil
	}

	return nil, fmt.Errorf("%w: sftp host key verification needs hostKey or knownHostsFile", storage.ErrMisconfigured)
}

// parseHostKey accepts an authorized_keys style line ("ssh-ed25519 AAAA...")
// or the bare base64 wire encoding.
func parseHostKey(s string) (ssh.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, " ") {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		return key, err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode host key: %w", err)
	}
	return ssh.ParsePublicKey(raw)
}

func authMethods(cfg config.FTPConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		pem, err := os.ReadFile(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read private key: %w", storage.ErrUnauthorized, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %w", storage.ErrUnauthorized, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	return methods, nil
}

func dialSFTP(ctx context.Context, cfg config.FTPConfig) (session, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: ssh handshake with %s: %w", storage.ErrUnauthorized, addr, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	return &sftpSession{client: client, ssh: sshClient}, nil
}

func classifySFTP(err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	if errors.Is(err, fs.ErrPermission) || (errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxPermissionDenied) {
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
	}
	return err
}

func (s *sftpSession) Put(p string, r io.Reader) error {
	if err := s.client.MkdirAll(path.Dir(p)); err != nil {
		return classifySFTP(err)
	}
	f, err := s.client.Create(p)
	if err != nil {
		return classifySFTP(err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.client.Remove(p)
		return err
	}
	return f.Close()
}

func (s *sftpSession) List(dir string) ([]remoteFile, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNotExist
		}
		return nil, classifySFTP(err)
	}
	files := make([]remoteFile, 0, len(infos))
	for _, fi := range infos {
		files = append(files, remoteFile{
			Name:    fi.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		})
	}
	return files, nil
}

func (s *sftpSession) Remove(p string) error {
	return classifySFTP(s.client.Remove(p))
}

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if s.ssh != nil {
		if sshErr := s.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}
