package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// Device bitmask, portal wire encoding.
type DeviceType uint32

const (
	DeviceKeyboard    DeviceType = 1
	DevicePointer     DeviceType = 2
	DeviceTouchscreen DeviceType = 4
)

// Devices is one remote-desktop session's set of virtual input devices.
// Created on session start, destroyed with the session. The wlr virtual
// pointer and keyboard protocols need no privileges beyond the compositor
// connection.
type Devices struct {
	mu              sync.Mutex
	closed          bool
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard
}

// New creates virtual devices for the requested type bitmask.
func New(ctx context.Context, types DeviceType) (*Devices, error) {
	d := &Devices{}

	if types&DevicePointer != 0 {
		manager, err := virtual_pointer.NewVirtualPointerManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("create virtual pointer manager: %w", err)
		}
		pointer, err := manager.CreatePointer()
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("create virtual pointer: %w", err)
		}
		d.pointerManager = manager
		d.pointer = pointer
	}

	if types&DeviceKeyboard != 0 {
		manager, err := virtual_keyboard.NewVirtualKeyboardManager(ctx)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create virtual keyboard manager: %w", err)
		}
		keyboard, err := manager.CreateKeyboard()
		if err != nil {
			manager.Close()
			d.Close()
			return nil, fmt.Errorf("create virtual keyboard: %w", err)
		}
		d.keyboardManager = manager
		d.keyboard = keyboard
	}

	logger.Debug("[input] virtual devices created (types=%d)", types)
	return d, nil
}

// Close releases all devices. Idempotent.
func (d *Devices) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	if d.keyboard != nil {
		if err := d.keyboard.Close(); err != nil {
			logger.Warn("[input] failed to close keyboard: %v", err)
		}
	}
	if d.keyboardManager != nil {
		if err := d.keyboardManager.Close(); err != nil {
			logger.Warn("[input] failed to close keyboard manager: %v", err)
		}
	}
	if d.pointer != nil {
		if err := d.pointer.Close(); err != nil {
			logger.Warn("[input] failed to close pointer: %v", err)
		}
	}
	if d.pointerManager != nil {
		if err := d.pointerManager.Close(); err != nil {
			logger.Warn("[input] failed to close pointer manager: %v", err)
		}
	}
}

// PointerMotion injects a relative pointer move.
func (d *Devices) PointerMotion(dx, dy float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pointer == nil {
		return nil
	}
	if err := d.pointer.Motion(time.Now(), dx, dy); err != nil {
		return err
	}
	return d.pointer.Frame()
}

// PointerButton injects a button press or release (evdev button code).
func (d *Devices) PointerButton(button int32, pressed bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pointer == nil {
		return nil
	}
	state := virtual_pointer.ButtonStateReleased
	if pressed {
		state = virtual_pointer.ButtonStatePressed
	}
	if err := d.pointer.Button(time.Now(), uint32(button), state); err != nil {
		return err
	}
	return d.pointer.Frame()
}

// PointerAxis injects scroll deltas.
func (d *Devices) PointerAxis(dx, dy float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pointer == nil {
		return nil
	}
	if dy != 0 {
		if err := d.pointer.Axis(time.Now(), virtual_pointer.AxisVertical, dy); err != nil {
			return err
		}
	}
	if dx != 0 {
		if err := d.pointer.Axis(time.Now(), virtual_pointer.AxisHorizontal, dx); err != nil {
			return err
		}
	}
	return d.pointer.Frame()
}

// KeyboardKeycode injects a key press or release (evdev keycode).
func (d *Devices) KeyboardKeycode(keycode int32, pressed bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.keyboard == nil {
		return nil
	}
	state := virtual_keyboard.KeyStateReleased
	if pressed {
		state = virtual_keyboard.KeyStatePressed
	}
	return d.keyboard.Key(time.Now(), uint32(keycode), state)
}
