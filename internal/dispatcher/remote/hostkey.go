package remote

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key policies
const (
	HostKeyTOFU       = "tofu"
	HostKeyKnownHosts = "known_hosts"
	HostKeyInsecure   = "insecure"
)

// TOFUStore trusts the first key a host presents and rejects any other key
// for that host afterwards. Pins live for the lifetime of the process.
//
// Instance addresses are reassigned when instances stop, so a pin is keyed by
// instance ID when one is known, not by address.
type TOFUStore struct {
	mu     sync.Mutex
	pinned map[string][]byte
	logger *slog.Logger
}

// NewTOFUStore creates an empty trust-on-first-use store
func NewTOFUStore(logger *slog.Logger) *TOFUStore {
	return &TOFUStore{
		pinned: make(map[string][]byte),
		logger: logger,
	}
}

// Callback returns a host key callback pinning keys under identity
func (s *TOFUStore) Callback(identity string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if identity == "" {
			identity = hostname
		}
		marshaled := key.Marshal()

		s.mu.Lock()
		defer s.mu.Unlock()

		known, ok := s.pinned[identity]
		if !ok {
			s.pinned[identity] = marshaled
			s.logger.Warn("Trusting new host key",
				slog.String("host", hostname),
				slog.String("identity", identity),
				slog.String("fingerprint", ssh.FingerprintSHA256(key)),
			)
			return nil
		}

		if !bytes.Equal(known, marshaled) {
			return fmt.Errorf("%w: %s presented %s", domain.ErrHostKeyMismatch, identity, ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// hostKeyCallback builds the callback for the configured policy
func hostKeyCallback(policy, knownHostsPath string, store *TOFUStore, identity string) (ssh.HostKeyCallback, error) {
	switch policy {
	case HostKeyTOFU, "":
		return store.Callback(identity), nil
	case HostKeyKnownHosts:
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", knownHostsPath, err)
		}
		return cb, nil
	case HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("unknown host key policy: %s", policy)
	}
}
