package auth

// Package auth exposes the signed-in account to the rest of the client. The
// account is provisioned by device pairing and stored in the config file; no
// token refresh happens here.

import (
	"errors"
	"net"
	"sync"

	"microscopy-analyzer/internal/config"
)

// User is the current account.
type User struct {
	ID    string
	Email string
	Token string
}

// Provider answers who is signed in.
type Provider interface {
	// CurrentUser returns the user and true when signed in.
	CurrentUser() (User, bool)
}

// ConfigProvider reads the account from a loaded config.
type ConfigProvider struct {
	mu  sync.RWMutex
	cfg *config.Config
}

// NewConfigProvider wraps cfg.
func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	return &ConfigProvider{cfg: cfg}
}

// CurrentUser returns the paired account. A device is signed in only when it
// has both a user id and a token.
func (p *ConfigProvider) CurrentUser() (User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg == nil || p.cfg.UserID == "" || p.cfg.AuthToken == "" {
		return User{}, false
	}
	return User{ID: p.cfg.UserID, Email: p.cfg.Email, Token: p.cfg.AuthToken}, true
}

// SignIn stores a newly paired account.
func (p *ConfigProvider) SignIn(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.UserID = u.ID
	p.cfg.Email = u.Email
	p.cfg.AuthToken = u.Token
}

// SignOut clears the account.
func (p *ConfigProvider) SignOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.UserID = ""
	p.cfg.Email = ""
	p.cfg.AuthToken = ""
}

// Static is a fixed Provider.
type Static struct {
	User     User
	SignedIn bool
}

func (s Static) CurrentUser() (User, bool) {
	return s.User, s.SignedIn
}

// DeviceID returns the MAC address of the first valid network interface
// (non-loopback, up), used to identify this client during pairing.
func DeviceID() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}

	return "", errors.New("no valid network interface found")
}
