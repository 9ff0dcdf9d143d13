package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/store"
)

// ErrPortsExhausted is returned when every port in the pool is held by another account.
var ErrPortsExhausted = errors.New("proxy port pool exhausted")

// ErrProxyDisabled is returned by Allocate when no upstream proxy is configured.
var ErrProxyDisabled = errors.New("proxy disabled")

// ProxyIdentity is the upstream proxy endpoint one account egresses through.
type ProxyIdentity struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port.
func (p ProxyIdentity) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy URL including credentials.
func (p ProxyIdentity) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Label identifies the endpoint without its password, for logs and session metadata.
func (p ProxyIdentity) Label() string {
	if p.Username == "" {
		return p.Addr()
	}
	return p.Username + "@" + p.Addr()
}

// PortClaimer is the store operation that assigns ports under a transactional check-and-set.
type PortClaimer interface {
	ClaimProxyPort(ctx context.Context, accountID string, choose store.ChoosePort) (int, error)
}

// Allocator hands every account a proxy port that no other account holds.
type Allocator struct {
	cfg     config.ProxyConfig
	claimer PortClaimer
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAllocator creates an Allocator over the configured pool.
func NewAllocator(cfg config.ProxyConfig, claimer PortClaimer, logger *zap.Logger) *Allocator {
	return &Allocator{
		cfg:     cfg,
		claimer: claimer,
		logger:  logger.Named("proxy_allocator"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allocate returns the account's proxy identity, keeping its stored port when
// that port is still in the pool and unique.
func (a *Allocator) Allocate(ctx context.Context, accountID string) (ProxyIdentity, error) {
	if !a.cfg.Enabled {
		return ProxyIdentity{}, ErrProxyDisabled
	}
	a.mu.Lock()
	offset := a.rng.Intn(a.cfg.PortMax - a.cfg.PortMin + 1)
	a.mu.Unlock()

	port, err := a.claimer.ClaimProxyPort(ctx, accountID, ChoosePort(a.cfg.PortMin, a.cfg.PortMax, offset))
	if err != nil {
		return ProxyIdentity{}, fmt.Errorf("failed to claim proxy port for %s: %w", accountID, err)
	}
	id := ProxyIdentity{Host: a.cfg.Host, Port: port, Username: a.cfg.Username, Password: a.cfg.Password}
	a.logger.Debug("Proxy identity allocated.", zap.String("account_id", accountID), zap.String("proxy", id.Label()))
	return id, nil
}

// ChoosePort returns the port choice for the pool [min, max]: the current port
// when it is in range and not taken, otherwise the first free port scanning
// from min+offset and wrapping around.
func ChoosePort(min, max, offset int) store.ChoosePort {
	return func(current int, taken map[int]bool) (int, error) {
		if current >= min && current <= max && !taken[current] {
			return current, nil
		}
		size := max - min + 1
		if size <= 0 {
			return 0, ErrPortsExhausted
		}
		for i := 0; i < size; i++ {
			p := min + (offset+i)%size
			if !taken[p] {
				return p, nil
			}
		}
		return 0, ErrPortsExhausted
	}
}
