package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPDialer connects to a real FTP(S) server.
type FTPDialer struct{}

// Dial performs the connect and secure steps itself so each can fail on its
// own. In implicit mode the TLS handshake completes before the server
// greeting is read.
func (FTPDialer) Dial(ctx context.Context, p Params) (Client, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, &BatchError{Step: StepConnect, Err: err}
	}

	tlsConfig := p.TLSConfig()
	conn := raw
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(p.Timeout),
		ftp.DialWithDisabledEPSV(p.DisableEPSV),
	}
	// Where the greeting fails is reported as this step. In explicit mode the
	// greeting and AUTH TLS happen inside one ftp.Dial call.
	step := StepConnect

	switch p.Mode {
	case ModeImplicitTLS:
		tc := tls.Client(raw, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, &BatchError{Step: StepSecure, Err: err}
		}
		conn = tc
		// The config makes Login send PBSZ 0 and PROT P.
		opts = append(opts, ftp.DialWithTLS(tlsConfig))
	case ModeExplicitTLS:
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
		step = StepSecure
	case ModePlain:
	default:
		raw.Close()
		return nil, &BatchError{Step: StepConnect, Err: errors.New("unknown tls mode " + p.Mode.String())}
	}
	dd := &dataDialer{control: conn, timeout: p.Timeout}
	if p.Mode != ModePlain {
		dd.tlsConfig = tlsConfig
	}
	opts = append(opts, ftp.DialWithDialFunc(dd.dial))

	sc, err := ftp.Dial(p.Addr(), opts...)
	if err != nil {
		conn.Close()
		return nil, &BatchError{Step: step, Err: err}
	}
	return &ftpClient{conn: sc, mode: p.Mode}, nil
}

// dataDialer hands the already connected control connection to ftp.Dial on
// the first call. Every later call is a data connection: it is dialed fresh
// and, when tlsConfig is set, wrapped in TLS with the control connection's
// config so the session can be resumed.
type dataDialer struct {
	control   net.Conn
	timeout   time.Duration
	tlsConfig *tls.Config
	used      bool
}

func (d *dataDialer) dial(network, address string) (net.Conn, error) {
	if !d.used {
		d.used = true
		return d.control, nil
	}
	nd := net.Dialer{Timeout: d.timeout}
	c, err := nd.Dial(network, address)
	if err != nil {
		return nil, err
	}
	if d.tlsConfig == nil {
		return c, nil
	}
	return tls.Client(c, d.tlsConfig), nil
}

// TLSConfig is shared by the control and data connections. Session tickets
// are cached because many embedded FTPS servers require the data connection
// to resume the control connection's TLS session.
func (p Params) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.Host,
		InsecureSkipVerify: p.InsecureSkipVerify, //nolint:gosec // opt-in via ftps.insecure_skip_verify
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
		MinVersion:         tls.VersionTLS12,
	}
}

type ftpClient struct {
	conn     *ftp.ServerConn
	mode     Mode
	loggedIn bool
}

func (c *ftpClient) Login(user, password string) error {
	if err := c.conn.Login(user, password); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

// ProtectData confirms data protection is in place. ftp.ServerConn.Login
// already sends PBSZ 0 and PROT P whenever the connection carries a TLS
// config, so there is no command left to issue here.
func (c *ftpClient) ProtectData() error {
	if c.mode == ModePlain {
		return errors.New("data protection requested on a plain connection")
	}
	if !c.loggedIn {
		return errors.New("data protection requires a logged in session")
	}
	return nil
}

func (c *ftpClient) ChangeDir(dir string) error {
	return c.conn.ChangeDir(dir)
}

func (c *ftpClient) NameList() ([]string, error) {
	return c.conn.NameList("")
}

func (c *ftpClient) Retrieve(name string, w io.Writer) (int64, error) {
	resp, err := c.conn.Retr(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp)
	// Close reads the transfer-complete reply; a short transfer shows up here.
	if cerr := resp.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (c *ftpClient) Delete(name string) error {
	return c.conn.Delete(name)
}

func (c *ftpClient) Close() error {
	return c.conn.Quit()
}
