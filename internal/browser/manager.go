// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser/stealth"
	"github.com/xkilldash9x/profilepilot/internal/config"
)

// SessionOptions describes the browser one account gets.
type SessionOptions struct {
	AccountID string
	// ProxyServer is passed to --proxy-server, typically the account's local bridge.
	ProxyServer string
	Persona     stealth.Persona
}

// Manager launches one Chrome process per account so each can carry its own proxy.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// rootCtx outlives caller contexts; a stage in flight must not lose its browser on cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a browser manager. No process is started until NewSession.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger.Named("browser_manager"),
		cfg:        cfg,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// NewSession launches a browser for one account, applies its persona and returns the tab.
func (m *Manager) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if m.rootCtx.Err() != nil {
		return nil, fmt.Errorf("browser manager is shut down")
	}
	persona := opts.Persona.Merge(stealth.FromConfig(m.cfg))
	logger := m.logger.With(zap.String("account_id", opts.AccountID))

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.rootCtx, m.allocatorOptions(opts.ProxyServer, persona)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	m.wg.Add(1)
	s := NewSession(tabCtx, cancel, persona, m.cfg.NavigationTimeout, m.cfg.ActionTimeout, logger, m.wg.Done)

	// The first Run starts the process; bound it so a broken install fails fast.
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()
	if err := s.run(startCtx, 30*time.Second, chromedp.Navigate("about:blank")); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}
	if err := s.ApplyPersona(startCtx, persona); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("Browser session started.", zap.String("proxy", opts.ProxyServer))
	return s, nil
}

// allocatorOptions assembles the launch flags. Later flags override the
// defaults, which turns off the automation banner.
func (m *Manager) allocatorOptions(proxyServer string, persona stealth.Persona) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
		chromedp.UserAgent(persona.UserAgent),
	)
	if persona.Width > 0 && persona.Height > 0 {
		opts = append(opts, chromedp.WindowSize(persona.Width, persona.Height))
	}
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}

	for _, arg := range m.cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// Shutdown waits for open sessions to close, then kills any browsers still running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions to complete...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}
	m.rootCancel()
	return nil
}
