package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
)

// Defaults for the session manager.
const (
	DefaultDisplay           = ":99"
	DefaultWindowSize        = "1920,1080"
	DefaultStartTimeout      = 60 * time.Second
	DefaultNavigationTimeout = 45 * time.Second
)

// ManagerConfig is the configuration of the browser session manager.
type ManagerConfig struct {
	// BinPath is the Chrome/Chromium binary. Empty lets rod look one up.
	BinPath string
	// Display is the X display the browser window is attached to, so the
	// remote view can mirror it.
	Display    string
	Headless   bool
	WindowSize string
	// UserDataDir keeps the browser profile between runs when set.
	UserDataDir       string
	StartTimeout      time.Duration
	NavigationTimeout time.Duration
	Logger            log.Logger
}

func (c *ManagerConfig) defaults() {
	if c.Display == "" {
		c.Display = DefaultDisplay
	}
	if c.WindowSize == "" {
		c.WindowSize = DefaultWindowSize
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browser.Manager"})
}

// Manager owns the single automated browser attached to the shared display.
// Only the run worker drives it; other components read IsAlive/Endpoint.
type Manager struct {
	cfg      ManagerConfig
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	wsURL    string
	pid      int
	running  bool
	starting bool
	target   string
	logger   log.Logger
}

// NewManager creates a new browser session manager.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

type launchResult struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	wsURL    string
	err      error
}

// Start launches the browser on the configured display and connects via CDP.
// The lock is not held while Chrome boots so status reads stay responsive.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.starting {
		m.mu.Unlock()
		return fault.New(fault.KindAlreadyRunning, "start browser", errors.New("a browser session is already running"))
	}
	m.starting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	if !m.cfg.Headless {
		if err := checkDisplay(m.cfg.Display); err != nil {
			return fault.New(fault.KindSessionStart, "check display", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	l := m.newLauncher()
	done := make(chan launchResult, 1)
	go func() {
		wsURL, err := l.Launch()
		if err != nil {
			done <- launchResult{err: fmt.Errorf("failed to launch chrome: %w", err)}
			return
		}

		b := rod.New().ControlURL(wsURL)
		if err := b.Connect(); err != nil {
			done <- launchResult{err: fmt.Errorf("failed to connect to chrome: %w", err)}
			return
		}
		done <- launchResult{launcher: l, browser: b, wsURL: wsURL}
	}()

	var res launchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		l.Kill()
		l.Cleanup()
		return fault.New(fault.KindSessionStart, "start browser", fmt.Errorf("browser not ready after %s: %w", m.cfg.StartTimeout, ctx.Err()))
	}
	if res.err != nil {
		l.Kill()
		l.Cleanup()
		return fault.New(fault.KindSessionStart, "start browser", res.err)
	}

	page, err := res.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = res.browser.Close()
		l.Kill()
		l.Cleanup()
		return fault.New(fault.KindSessionStart, "open page", err)
	}

	m.mu.Lock()
	m.launcher = res.launcher
	m.browser = res.browser
	m.page = page
	m.wsURL = res.wsURL
	m.pid = l.PID()
	m.running = true
	m.mu.Unlock()

	m.logger.Infof("Chrome started on display %s with endpoint %s", m.cfg.Display, m.wsURL)
	return nil
}

func (m *Manager) newLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(m.cfg.Headless).
		NoSandbox(true).
		Env(append(os.Environ(), "DISPLAY="+m.cfg.Display)...).
		Set(flags.Flag("window-size"), m.cfg.WindowSize).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("start-maximized")).
		Delete(flags.Flag("enable-automation"))

	if m.cfg.BinPath != "" {
		l = l.Bin(m.cfg.BinPath)
	}
	if m.cfg.UserDataDir != "" {
		l = l.UserDataDir(m.cfg.UserDataDir)
	}
	return l
}

// Stop terminates the browser. Stopping a stopped session is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warningf("Failed to close chrome: %v", err)
		}
	}

	if m.launcher != nil {
		m.launcher.Kill()
		if m.cfg.UserDataDir == "" {
			m.launcher.Cleanup()
		}
	}

	m.launcher = nil
	m.browser = nil
	m.page = nil
	m.wsURL = ""
	m.pid = 0
	m.running = false
	m.target = ""

	m.logger.Infof("Chrome stopped")
	return nil
}

// IsAlive is a cheap liveness check. It never issues CDP commands so it is
// safe to call while the worker drives the page.
func (m *Manager) IsAlive() bool {
	m.mu.Lock()
	running, pid := m.running, m.pid
	m.mu.Unlock()

	if !running {
		return false
	}
	if pid <= 0 {
		return true
	}
	return processAlive(pid)
}

// Endpoint returns the DevTools websocket URL of the running browser.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsURL
}

// Display returns the X display the browser is attached to.
func (m *Manager) Display() string {
	return m.cfg.Display
}

// Page returns the automated page. It is only meant for the page layer.
func (m *Manager) Page() (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.page == nil {
		return nil, fault.New(fault.KindSessionLost, "page", errors.New("browser is not running"))
	}
	return m.page, nil
}

// RestoreCredentials injects stored cookies before any navigation.
func (m *Manager) RestoreCredentials(ctx context.Context, c model.Credential) error {
	if c.IsZero() {
		return nil
	}

	b, err := m.currentBrowser()
	if err != nil {
		return err
	}

	params := toCookieParams(c)
	if err := b.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("failed to restore cookies: %w", err)
	}

	m.logger.Debugf("Restored %d cookies for %s", len(params), c.Domain)
	return nil
}

// Navigate directs the page to rawURL and waits for it to load. It never
// retries; the caller owns the retry policy.
func (m *Manager) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fault.Newf(fault.KindNavigation, "navigate", "invalid url %q", rawURL)
	}

	page, err := m.Page()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()

	p := page.Context(ctx)
	if err := p.Navigate(rawURL); err != nil {
		return fault.New(fault.KindNavigation, "navigate "+rawURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fault.New(fault.KindNavigation, "wait load "+rawURL, err)
	}

	m.mu.Lock()
	m.target = u.Hostname()
	m.mu.Unlock()

	return nil
}

// CaptureCredentials returns the cookies of the last navigated domain.
func (m *Manager) CaptureCredentials(ctx context.Context) (model.Credential, error) {
	b, err := m.currentBrowser()
	if err != nil {
		return model.Credential{}, err
	}

	m.mu.Lock()
	target := m.target
	m.mu.Unlock()

	cookies, err := b.Context(ctx).GetCookies()
	if err != nil {
		return model.Credential{}, fmt.Errorf("failed to read cookies: %w", err)
	}

	return fromCookies(target, cookies), nil
}

func (m *Manager) currentBrowser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.browser == nil {
		return nil, fault.New(fault.KindSessionLost, "browser", errors.New("browser is not running"))
	}
	return m.browser, nil
}

// checkDisplay verifies a local X display has its server socket.
// Remote displays (host:n) are not checked.
func checkDisplay(display string) error {
	socket, local := displaySocket(display)
	if !local {
		return nil
	}
	if _, err := os.Stat(socket); err != nil {
		return fmt.Errorf("display %s is unreachable: %w", display, err)
	}
	return nil
}

func displaySocket(display string) (string, bool) {
	if !strings.HasPrefix(display, ":") {
		return "", false
	}
	num := strings.TrimPrefix(display, ":")
	if i := strings.Index(num, "."); i >= 0 {
		num = num[:i]
	}
	if num == "" {
		return "", false
	}
	return "/tmp/.X11-unix/X" + num, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
