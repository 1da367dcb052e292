package fetcher

import (
	"context"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPDropOptions configures access to an FTP drop folder.
type FTPDropOptions struct {
	Addr     string // host or host:port; port 21 assumed when absent
	User     string
	Password string
	Timeout  time.Duration
}

// FTPDrop reads CSV exports that partner systems deposit on an FTP server.
type FTPDrop struct {
	opts FTPDropOptions
}

// DropFile is one file visible in the drop folder.
type DropFile struct {
	Path       string
	Size       uint64
	ModifiedAt time.Time
}

// NewFTPDrop creates an FTP drop-folder reader.
func NewFTPDrop(opts FTPDropOptions) *FTPDrop {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	return &FTPDrop{opts: opts}
}

func (f *FTPDrop) dial(ctx context.Context) (*ftp.ServerConn, error) {
	addr := f.opts.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp: dial")
	}

	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "ftp: login")
	}

	return conn, nil
}

// ListCSV returns the .csv files in dir, oldest modification first, so the
// caller can replay drops in arrival order.
func (f *FTPDrop) ListCSV(ctx context.Context, dir string) ([]DropFile, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: list %s", dir)
	}

	var files []DropFile
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if !strings.EqualFold(path.Ext(e.Name), ".csv") {
			continue
		}
		files = append(files, DropFile{
			Path:       path.Join(dir, e.Name),
			Size:       e.Size,
			ModifiedAt: e.Time,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModifiedAt.Before(files[j].ModifiedAt) })

	zap.L().Debug("ftp: listed drop folder",
		zap.String("dir", dir),
		zap.Int("csv_files", len(files)),
	)
	return files, nil
}

// ftpConnReader ties an FTP data connection to its control connection so
// closing the reader releases both.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "ftp: close response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "ftp: quit")
	}
	return nil
}

// Open retrieves one file from the drop folder. The caller must close the
// returned ReadCloser to release the FTP connection.
func (f *FTPDrop) Open(ctx context.Context, filePath string) (io.ReadCloser, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(filePath)
	if err != nil {
		conn.Quit()
		return nil, eris.Wrapf(err, "ftp: retrieve %s", filePath)
	}

	return &ftpConnReader{resp: resp, conn: conn}, nil
}
