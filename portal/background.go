package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// Background result values on the wire.
const (
	backgroundForbid    uint32 = 0
	backgroundAllow     uint32 = 1
	backgroundAllowOnce uint32 = 2
)

// App state values reported by GetAppState.
const (
	appStateBackground uint32 = 0
	appStateRunning    uint32 = 1
)

// Autostart flags.
const flagDBusActivatable uint32 = 1

// BackgroundPortal implements org.freedesktop.impl.portal.Background:
// it arbitrates whether an app may keep running without a window, and
// manages autostart entries.
type BackgroundPortal struct {
	ctx          context.Context
	requests     *RequestRegistry
	store        PermissionStore
	broker       Broker
	catalog      Catalog
	autostartDir string

	mu     sync.Mutex
	policy string
}

func NewBackgroundPortal(ctx context.Context, requests *RequestRegistry, store PermissionStore, broker Broker, catalog Catalog, cfg *config.BackgroundConfig) *BackgroundPortal {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		}
	}
	return &BackgroundPortal{
		ctx:          ctx,
		requests:     requests,
		store:        store,
		broker:       broker,
		catalog:      catalog,
		policy:       cfg.DefaultPolicy,
		autostartDir: filepath.Join(dir, "autostart"),
	}
}

// SetPolicy swaps the default policy, applied to all later decisions. The
// config watcher calls this on file change.
func (p *BackgroundPortal) SetPolicy(policy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policy != policy {
		logger.Info("[portal] background default policy now %q", policy)
		p.policy = policy
	}
}

func (p *BackgroundPortal) currentPolicy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// GetAppState reports which known apps currently own a visible toplevel.
// Apps with at least one window read as running; everything else the caller
// already believes is alive is in the background.
func (p *BackgroundPortal) GetAppState(sender godbus.Sender) (map[string]godbus.Variant, *godbus.Error) {
	snap, err := p.catalog.Enumerate(p.ctx, compositor.KindWindow)
	if err != nil {
		logger.Warn("[portal] app state enumeration failed: %v", err)
		return nil, godbus.MakeFailedError(err)
	}
	states := make(map[string]godbus.Variant)
	for _, src := range snap.Sources() {
		states[src.Name] = godbus.MakeVariant(appStateRunning)
	}
	return states, nil
}

// NotifyBackground decides whether an app may stay alive in the background.
// The name argument is the human-readable application name shown in the
// dialog.
func (p *BackgroundPortal) NotifyBackground(sender godbus.Sender, appID, name string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}
	if appID == "" {
		appID = string(sender)
	}

	go func() {
		code, results := p.decide(req.Context(), appID, name)
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] background response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *BackgroundPortal) decide(ctx context.Context, appID, name string) (uint32, Results) {
	rec, err := p.store.Get(appID, permissions.CapBackground)
	if err != nil {
		logger.Warn("[portal] permission lookup failed for %s: %v", appID, err)
	}

	policy := p.currentPolicy()
	result := backgroundForbid
	switch {
	case rec != nil && rec.Decision == permissions.DecisionAllow:
		result = backgroundAllow
	case rec != nil && rec.Decision == permissions.DecisionDeny:
		result = backgroundForbid
	case policy == config.PolicyAllow:
		result = backgroundAllow
	case policy == config.PolicyDeny:
		result = backgroundForbid
	default:
		return p.ask(ctx, appID, name)
	}
	return ResponseSuccess, Results{"result": godbus.MakeVariant(result)}
}

func (p *BackgroundPortal) ask(ctx context.Context, appID, name string) (uint32, Results) {
	if name == "" {
		name = appID
	}
	dec, err := p.broker.Decide(ctx, consent.Prompt{
		AppID:      appID,
		Title:      "Background activity",
		Body:       fmt.Sprintf("%s wants to keep running in the background.", name),
		GrantLabel: "Allow",
		DenyLabel:  "Forbid",
	})
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] consent dialog failed: %v", err)
		return ResponseOther, nil
	}
	// an answer that raced the request's close is discarded, never persisted
	if ctx.Err() != nil {
		return ResponseCancelled, nil
	}

	result := backgroundForbid
	if dec.Allowed {
		result = backgroundAllowOnce
		if dec.Remember {
			result = backgroundAllow
		}
	}
	if dec.Remember {
		decision := permissions.DecisionDeny
		if dec.Allowed {
			decision = permissions.DecisionAllow
		}
		if err := p.store.Set(appID, permissions.CapBackground, decision); err != nil {
			logger.Warn("[portal] failed to persist decision for %s: %v", appID, err)
		}
	}
	return ResponseSuccess, Results{"result": godbus.MakeVariant(result)}
}

// EnableAutostart installs or removes an autostart entry for the app.
// Returns whether autostart is enabled afterwards.
func (p *BackgroundPortal) EnableAutostart(sender godbus.Sender, appID string, enable bool, commandline []string, flags uint32) (bool, *godbus.Error) {
	if appID == "" {
		return false, errNotFound
	}
	path := filepath.Join(p.autostartDir, appID+".desktop")

	if !enable {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("[portal] failed to remove autostart entry for %s: %v", appID, err)
			return false, nil
		}
		logger.Info("[portal] autostart disabled for %s", appID)
		return false, nil
	}

	if err := os.MkdirAll(p.autostartDir, 0o755); err != nil {
		logger.Error("[portal] failed to create autostart dir: %v", err)
		return false, nil
	}
	if err := os.WriteFile(path, autostartEntry(appID, commandline, flags), 0o644); err != nil {
		logger.Error("[portal] failed to write autostart entry for %s: %v", appID, err)
		return false, nil
	}
	logger.Info("[portal] autostart enabled for %s", appID)
	return true, nil
}

func autostartEntry(appID string, commandline []string, flags uint32) []byte {
	var b strings.Builder
	b.WriteString("[Desktop Entry]\n")
	b.WriteString("Type=Application\n")
	fmt.Fprintf(&b, "Name=%s\n", appID)
	fmt.Fprintf(&b, "Exec=%s\n", quoteExec(commandline))
	if flags&flagDBusActivatable != 0 {
		b.WriteString("DBusActivatable=true\n")
	}
	fmt.Fprintf(&b, "X-XDG-Autostart-Source=%s\n", config.AppName)
	return []byte(b.String())
}

// quoteExec builds a desktop-file Exec line, quoting arguments that need it.
func quoteExec(commandline []string) string {
	parts := make([]string, 0, len(commandline))
	for _, arg := range commandline {
		if strings.ContainsAny(arg, " \t\"'\\") {
			arg = "\"" + strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(arg) + "\""
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
