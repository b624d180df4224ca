package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode selects how the control connection is protected. It is fixed at
// connect time.
type Mode int

const (
	ModeImplicitTLS Mode = iota
	ModeExplicitTLS
	ModePlain
)

func (m Mode) String() string {
	switch m {
	case ModeImplicitTLS:
		return "implicit"
	case ModeExplicitTLS:
		return "explicit"
	case ModePlain:
		return "plain"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode maps the ftps.tls_mode configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "implicit":
		return ModeImplicitTLS, nil
	case "explicit":
		return ModeExplicitTLS, nil
	case "plain":
		return ModePlain, nil
	}
	return 0, fmt.Errorf("unknown tls mode %q", s)
}

// Step names a batch-level protocol step.
type Step string

const (
	StepConnect Step = "connect"
	StepSecure  Step = "tls handshake"
	StepLogin   Step = "login"
	StepProtect Step = "data channel protection"
	StepCwd     Step = "change directory"
	StepList    Step = "list"
)

// State is the position of a session in its lifecycle. Closed is terminal
// and reachable from every other state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSecured
	StateAuthenticated
	StateDataProtected
	StateDirectorySelected
	StateListing
	StateRetrieving
	StateDeleting
	StateClosed
)

var stateNames = [...]string{
	"disconnected", "connected", "secured", "authenticated", "data_protected",
	"directory_selected", "listing", "retrieving", "deleting", "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Params is everything one batch needs. InsecureSkipVerify must come from an
// explicit configuration flag.
type Params struct {
	Host     string
	Port     int
	Username string
	Password string

	Mode               Mode
	InsecureSkipVerify bool
	Timeout            time.Duration
	DisableEPSV        bool

	RemoteDir    string
	LocalDir     string
	Suffix       string
	DeleteAfter  bool
	AtomicWrites bool
}

// Addr is the host:port of the file server.
func (p Params) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Client is an established, not yet authenticated, file server session.
type Client interface {
	Login(user, password string) error
	// ProtectData switches data transfers to TLS (PBSZ 0 / PROT P).
	ProtectData() error
	ChangeDir(dir string) error
	NameList() ([]string, error)
	// Retrieve streams the named file into w and returns the bytes copied.
	Retrieve(name string, w io.Writer) (int64, error)
	Delete(name string) error
	Close() error
}

// Dialer opens the transport and performs the TLS handshake the mode calls
// for. Errors should be *BatchError so the failing step is reported;
// anything else is treated as a connect failure.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Client, error)
}

// Session runs batch retrievals. It holds no per-batch state and may be
// reused, but batches must not run concurrently against the same printer.
type Session struct {
	dialer Dialer
	log    *zap.Logger
	open   func(path string, atomic bool) (localFile, error)
}

// NewSession creates a session that dials with d.
func NewSession(d Dialer, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{dialer: d, log: log, open: openLocal}
}

type run struct {
	log   *zap.Logger
	state State
}

func (r *run) enter(s State, fields ...zap.Field) {
	r.log.Debug("ftp session state", append(fields, zap.Stringer("from", r.state), zap.Stringer("to", s))...)
	r.state = s
}

// RetrieveBatch downloads every file in p.RemoteDir whose name ends in
// p.Suffix into p.LocalDir. A batch-level failure returns a *BatchError and a
// report with no files. Per-file failures are only recorded in the report.
func (s *Session) RetrieveBatch(ctx context.Context, p Params) (*BatchReport, error) {
	report := newBatchReport(p.RemoteDir)
	log := s.log.With(zap.String("batch_id", report.ID.String()), zap.String("addr", p.Addr()))
	r := &run{log: log, state: StateDisconnected}
	defer func() { report.FinishedAt = time.Now().UTC() }()

	client, err := s.dialer.Dial(ctx, p)
	if err != nil {
		var be *BatchError
		if !errors.As(err, &be) {
			be = &BatchError{Step: StepConnect, Err: err}
		}
		log.Error("ftp session could not be established", zap.String("step", string(be.Step)), zap.Error(be.Err))
		r.enter(StateClosed)
		return report, be
	}
	r.enter(StateConnected)
	if p.Mode != ModePlain {
		r.enter(StateSecured, zap.Stringer("mode", p.Mode))
	}

	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("ftp session close failed", zap.Error(err))
		}
		r.enter(StateClosed)
	}()

	abort := func(step Step, err error) (*BatchReport, error) {
		log.Error("ftp batch aborted", zap.String("step", string(step)), zap.Stringer("state", r.state), zap.Error(err))
		return report, &BatchError{Step: step, Err: err}
	}

	if err := client.Login(p.Username, p.Password); err != nil {
		return abort(StepLogin, err)
	}
	r.enter(StateAuthenticated)

	if p.Mode != ModePlain {
		if err := client.ProtectData(); err != nil {
			return abort(StepProtect, err)
		}
		r.enter(StateDataProtected)
	}

	if err := client.ChangeDir(p.RemoteDir); err != nil {
		return abort(StepCwd, err)
	}
	r.enter(StateDirectorySelected, zap.String("dir", p.RemoteDir))

	r.enter(StateListing)
	names, err := client.NameList()
	if err != nil {
		return abort(StepList, err)
	}
	report.Listed = len(names)
	candidates := filterSuffix(names, p.Suffix)
	log.Info("listed remote files",
		zap.Int("listed", len(names)),
		zap.Int("matching", len(candidates)),
		zap.String("suffix", p.Suffix))

	for _, name := range candidates {
		r.enter(StateRetrieving, zap.String("file", name))
		res := s.retrieveOne(client, p, name)
		if res.Downloaded {
			log.Info("downloaded file", zap.String("file", name), zap.String("path", res.LocalPath), zap.Int64("bytes", res.Bytes))
		} else {
			log.Error("failed to download file", zap.String("file", name), zap.Error(res.DownloadErr))
		}

		if res.Downloaded && p.DeleteAfter {
			r.enter(StateDeleting, zap.String("file", name))
			res.DeleteAttempted = true
			if err := client.Delete(name); err != nil {
				res.DeleteErr = err
				log.Error("failed to delete remote file", zap.String("file", name), zap.Error(err))
			} else {
				res.Deleted = true
				log.Info("deleted remote file", zap.String("file", name))
			}
		}
		report.Files = append(report.Files, res)
	}

	log.Info("ftp batch finished",
		zap.Int("downloaded", report.Downloaded()),
		zap.Int("failed", report.Failed()),
		zap.Int("deleted", report.Deleted()))
	return report, nil
}

func (s *Session) retrieveOne(c Client, p Params, name string) FileResult {
	res := FileResult{Name: name}

	base := path.Base(name)
	if base == "." || base == ".." || base == "/" {
		res.DownloadErr = fmt.Errorf("refusing to write remote name %q", name)
		return res
	}
	res.LocalPath = filepath.Join(p.LocalDir, base)

	f, err := s.open(res.LocalPath, p.AtomicWrites)
	if err != nil {
		res.DownloadErr = fmt.Errorf("failed to open %s: %w", res.LocalPath, err)
		return res
	}

	n, err := c.Retrieve(name, f)
	res.Bytes = n
	if err != nil {
		if aerr := f.Abort(); aerr != nil {
			s.log.Warn("failed to release local file", zap.String("path", res.LocalPath), zap.Error(aerr))
		}
		res.DownloadErr = fmt.Errorf("failed to retrieve %s: %w", name, err)
		return res
	}
	if err := f.Commit(); err != nil {
		if aerr := f.Abort(); aerr != nil {
			s.log.Warn("failed to release local file", zap.String("path", res.LocalPath), zap.Error(aerr))
		}
		res.DownloadErr = fmt.Errorf("failed to finish %s: %w", res.LocalPath, err)
		return res
	}
	res.Downloaded = true
	return res
}

// filterSuffix keeps names whose base name ends with suffix, in listing
// order. An empty suffix keeps everything.
func filterSuffix(names []string, suffix string) []string {
	var out []string
	for _, n := range names {
		if strings.HasSuffix(path.Base(n), suffix) {
			out = append(out, n)
		}
	}
	return out
}
