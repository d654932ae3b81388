package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"

	"github.com/jlaffaye/ftp"

	"drivebackup/internal/config"
	"drivebackup/internal/storage"
)

type ftpSession struct {
	conn *ftp.ServerConn
}

func dialFTP(ctx context.Context, cfg config.FTPConfig) (session, error) {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(dialTimeout),
	}
	if protocolOf(cfg) == ProtocolFTPS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: cfg.Host}))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login to %s failed: %w", addr, classifyFTP(err))
	}
	return &ftpSession{conn: conn}, nil
}

// classifyFTP maps FTP reply codes onto the storage sentinels.
func classifyFTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusNotLoggedIn {
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
	}
	return err
}

func isFileUnavailable(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// mkdirAll creates every component of dir, ignoring ones that already exist.
func (s *ftpSession) mkdirAll(dir string) {
	if dir == "." || dir == "/" {
		return
	}
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, part)
		s.conn.MakeDir(cur)
	}
}

func (s *ftpSession) Put(p string, r io.Reader) error {
	s.mkdirAll(path.Dir(p))
	return classifyFTP(s.conn.Stor(p, r))
}

func (s *ftpSession) List(dir string) ([]remoteFile, error) {
	entries, err := s.conn.List(dir)
	if err != nil {
		if isFileUnavailable(err) {
			return nil, errNotExist
		}
		return nil, classifyFTP(err)
	}
	files := make([]remoteFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, remoteFile{
			Name:    path.Base(e.Name),
			Size:    int64(e.Size),
			ModTime: e.Time,
			IsDir:   e.Type != ftp.EntryTypeFile,
		})
	}
	return files, nil
}

func (s *ftpSession) Remove(p string) error {
	return classifyFTP(s.conn.Delete(p))
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}
