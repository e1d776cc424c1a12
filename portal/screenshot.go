package portal

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// Screenshotter is the compositor slice the screenshot portal drives.
type Screenshotter interface {
	CaptureOutput(ctx context.Context, connector string, includeCursor bool) (string, error)
	PickColor(ctx context.Context) (r, g, b float64, err error)
}

// rgb marshals as (ddd), normalized channel values.
type rgb struct {
	R, G, B float64
}

// ScreenshotPortal implements org.freedesktop.impl.portal.Screenshot.
type ScreenshotPortal struct {
	ctx      context.Context
	requests *RequestRegistry
	store    PermissionStore
	broker   Broker
	shooter  Screenshotter
}

func NewScreenshotPortal(ctx context.Context, requests *RequestRegistry, store PermissionStore, broker Broker, shooter Screenshotter) *ScreenshotPortal {
	return &ScreenshotPortal{
		ctx:      ctx,
		requests: requests,
		store:    store,
		broker:   broker,
		shooter:  shooter,
	}
}

// Screenshot grabs a frame of the primary output and answers with a file
// URI. Non-interactive captures ride on a stored grant; everything else asks
// first.
func (p *ScreenshotPortal) Screenshot(sender godbus.Sender, parentWindow string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	appID := appIdentity(sender, options)
	interactive := optBool(options, optInteractive)

	go func() {
		code, results := p.capture(req.Context(), appID, parentWindow, interactive)
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] screenshot response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *ScreenshotPortal) capture(ctx context.Context, appID, parentWindow string, interactive bool) (uint32, Results) {
	rec, err := p.store.Get(appID, permissions.CapScreenshot)
	if err != nil {
		logger.Warn("[portal] permission lookup failed for %s: %v", appID, err)
	}
	if rec != nil && rec.Decision == permissions.DecisionDeny {
		return ResponseCancelled, nil
	}

	if interactive || rec == nil || rec.Decision != permissions.DecisionAllow {
		dec, err := p.broker.Decide(ctx, consent.Prompt{
			AppID:        appID,
			ParentWindow: parentWindow,
			Title:        "Take a screenshot",
			Body:         "Allow the application to take a screenshot of your screen.",
			GrantLabel:   "Take screenshot",
			DenyLabel:    "Cancel",
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
		if dec.Remember {
			decision := permissions.DecisionDeny
			if dec.Allowed {
				decision = permissions.DecisionAllow
			}
			if err := p.store.Set(appID, permissions.CapScreenshot, decision); err != nil {
				logger.Warn("[portal] failed to persist decision for %s: %v", appID, err)
			}
		}
		if !dec.Allowed {
			return ResponseCancelled, nil
		}
	}

	uri, err := p.shooter.CaptureOutput(ctx, "", false)
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] screenshot capture failed: %v", err)
		return ResponseOther, nil
	}
	logger.Info("[portal] screenshot delivered to %s", appID)
	return ResponseSuccess, Results{"uri": godbus.MakeVariant(uri)}
}

// PickColor lets the user pick a single pixel. The compositor interaction is
// the consent, so no stored grant is consulted.
func (p *ScreenshotPortal) PickColor(sender godbus.Sender, parentWindow string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	go func() {
		code, results := p.pickColor(req.Context())
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] pick color response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *ScreenshotPortal) pickColor(ctx context.Context) (uint32, Results) {
	r, g, b, err := p.shooter.PickColor(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] color pick failed: %v", err)
		return ResponseOther, nil
	}
	return ResponseSuccess, Results{"color": godbus.MakeVariant(rgb{r, g, b})}
}
