package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config holds remote executor configuration
type Config struct {
	User           string
	Port           int
	KeyPath        string
	HostKeyPolicy  string
	KnownHostsPath string
	DialTimeout    time.Duration
	// CommandTimeout bounds one command run; zero leaves it to the caller's context
	CommandTimeout time.Duration
}

// Executor runs commands on instances over SSH
type Executor struct {
	cfg    Config
	signer ssh.Signer
	tofu   *TOFUStore
	logger *slog.Logger
}

// NewExecutor reads the private key and creates an executor
func NewExecutor(cfg Config, logger *slog.Logger) (*Executor, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return NewExecutorWithSigner(cfg, signer, logger), nil
}

// NewExecutorWithSigner creates an executor from an already parsed key
func NewExecutorWithSigner(cfg Config, signer ssh.Signer, logger *slog.Logger) *Executor {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		signer: signer,
		tofu:   NewTOFUStore(logger),
		logger: logger,
	}
}

// Target identifies the host a command runs on
type Target struct {
	// InstanceID keys the trust-on-first-use pin; optional
	InstanceID string
	Address    string
}

// dial opens an SSH client connection that respects ctx
func (e *Executor) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	callback, err := hostKeyCallback(e.cfg.HostKeyPolicy, e.cfg.KnownHostsPath, e.tofu, target.InstanceID)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: callback,
		Timeout:         e.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(target.Address, strconv.Itoa(e.cfg.Port))

	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}

	// NewClientConn has no timeout of its own. Bound the handshake by the
	// dial timeout and by ctx, whichever ends first.
	deadline := time.Now().Add(e.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			clientConn.Close()
		}
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}

// Run executes command on the target and captures both output streams line
// by line. A non-zero exit is reported in ExitStatus; only transport problems
// are returned as errors.
func (e *Executor) Run(ctx context.Context, target Target, command string) (*domain.CommandOutput, error) {
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}

	e.logger.Info("Opening SSH session",
		slog.String("instance_id", target.InstanceID),
		slog.String("address", target.Address),
	)

	client, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		// closing the client unblocks session.Run
		client.Close()
		<-done
		return nil, fmt.Errorf("remote command canceled: %w", ctx.Err())
	}

	output := &domain.CommandOutput{
		Stdout: splitLines(&stdout),
		Stderr: splitLines(&stderr),
	}

	if runErr == nil {
		zero := 0
		output.ExitStatus = &zero
	} else {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			status := exitErr.ExitStatus()
			output.ExitStatus = &status
		case errors.As(runErr, &missing):
			// server closed the channel without reporting a status
		default:
			return nil, fmt.Errorf("failed to run remote command: %w", runErr)
		}
	}

	e.logger.Info("Remote command finished",
		slog.String("instance_id", target.InstanceID),
		slog.Int("stdout_lines", len(output.Stdout)),
		slog.Int("stderr_lines", len(output.Stderr)),
	)

	return output, nil
}

// Fetch copies a remote file to w over SFTP
func (e *Executor) Fetch(ctx context.Context, target Target, remotePath string, w io.Writer) (int64, error) {
	client, err := e.dial(ctx, target)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("create sftp client: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy remote file %s: %w", remotePath, err)
	}

	e.logger.Debug("Fetched remote file",
		slog.String("instance_id", target.InstanceID),
		slog.String("path", remotePath),
		slog.Int64("bytes", n),
	)
	return n, nil
}

// splitLines splits captured output on newlines. Any output at all yields at
// least one line, however long.
func splitLines(buf *bytes.Buffer) []string {
	if buf.Len() == 0 {
		return []string{}
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
