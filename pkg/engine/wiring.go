package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/hardplace/pkg/binding"
	"github.com/dougsko/hardplace/pkg/bluetooth"
	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/hardrock"
	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/pairing"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/protocol"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/tuner"
	"github.com/dougsko/hardplace/pkg/verbose"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// build opens the store and the serial links and wires the components
// together. Ownership runs downward from here: listeners are bound to
// lists, never the other way round.
func (e *CoreEngine) build() error {
	cfg := e.config

	e.board = hardware.NewBoard(hardware.BoardConfigFrom(cfg), e.gpio)
	if err := e.board.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize board: %w", err)
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	e.store = store
	if compacted, err := store.Compact(); err != nil {
		logging.Warnf("storage", "compaction failed: %v", err)
	} else if compacted {
		logging.Info("storage", "removed deleted records")
	}
	if e.journal, err = store.Journal(cfg.Storage.MaxEvents); err != nil {
		return err
	}
	// max_events may have been lowered since the last run
	if err := e.journal.Cleanup(); err != nil {
		logging.Warnf("storage", "journal cleanup failed: %v", err)
	}
	if e.usbMap, err = store.LoadUSBMap(); err != nil {
		return err
	}
	tables, err := policy.LoadTables(store)
	if err != nil {
		return err
	}

	// The radio UART carries CI-V through the HC-05 in data mode and AT
	// commands in command mode.
	e.radio, err = e.openDevice("radio", cfg.Radio.Device, transport.HardwareSerial, cfg.Bluetooth.BaudRate)
	if err != nil {
		return err
	}
	timeout := millis(cfg.Radio.ResponseLimit)
	controller := byte(cfg.Radio.Controller)
	e.rig = civ.NewRig(e.radio, byte(cfg.Radio.Address), controller, timeout)

	e.policy = policy.NewEngine(tables, store, e.rig, e.board)
	e.policy.SetObserver(e.onPolicyEvent)
	if tables.Debug {
		e.applyDebug(true)
	}

	e.tuner = tuner.New(e.rig, e.board, e.policy)
	e.tuner.AH705 = cfg.Radio.AH705
	e.tuner.SetObserver(e.onTuneEvent)

	e.hc05 = bluetooth.NewHC05(e.radio, e.board, cfg.Bluetooth.BaudRate)
	e.bt, err = bluetooth.NewSupervisor(e.hc05, store, bluetooth.Config{
		Baud:           cfg.Bluetooth.BaudRate,
		Name:           cfg.Bluetooth.Name,
		RemoteName:     cfg.Bluetooth.RemoteName,
		PIN:            cfg.Bluetooth.PIN,
		Class:          cfg.Bluetooth.Class,
		InquirySeconds: cfg.Bluetooth.InquirySeconds,
		TaskInterval:   millis(cfg.Bluetooth.TaskInterval),
		PowerCycle:     millis(cfg.Bluetooth.PowerCycle),
	})
	if err != nil {
		return fmt.Errorf("failed to create bluetooth supervisor: %w", err)
	}
	e.bt.SetOnLink(e.onLink)

	e.radioList = binding.NewList("radio")
	e.radioList.BindAddress(e.policy, controller)
	e.sources = append(e.sources, binding.NewSource(e.radio, e.radioList, binding.CIV, timeout))

	if err := e.buildPairs(); err != nil {
		return err
	}

	if cfg.Radio.Passthrough != "" {
		e.passthrough, err = e.openDevice("host", cfg.Radio.Passthrough, transport.USBSerial1, cfg.Radio.PassthroughBaud)
		if err != nil {
			return err
		}
		e.hostList = binding.NewList("host")
		e.hostList.Bind(&hostRouter{engine: e})
		e.radioList.BindAddress(&mirror{dev: e.passthrough}, civ.Broadcast)
		e.sources = append(e.sources, binding.NewSource(e.passthrough, e.hostList, binding.Mixed, timeout))
	}

	logging.Infof("engine", "Radio 0x%02X on %s, %d amplifier port(s)", cfg.Radio.Address, cfg.Radio.Device, len(e.pairs))
	return nil
}

// buildPairs creates a pair per enabled amplifier port. Ports with a fixed
// device are opened now; the rest wait for a USB cable.
func (e *CoreEngine) buildPairs() error {
	ports := []struct {
		binding storage.Binding
		port    policy.Amplifier
		address byte
		cfg     config.AmplifierConfig
	}{
		{storage.BindingA, policy.AmpA, pairing.AddressA, e.config.Amplifiers.A},
		{storage.BindingB, policy.AmpB, pairing.AddressB, e.config.Amplifiers.B},
	}

	usbPairs := make(map[storage.Binding]*pairing.Pair)
	for _, p := range ports {
		if !p.cfg.Enabled {
			continue
		}
		pair, err := pairing.New(p.port, e.rig.As(p.address), e.policy, e.tuner, e.board, e.store, p.cfg.BaudRate)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", p.port, err)
		}
		pair.StartupDelay = millis(p.cfg.StartupDelay)
		pair.PollInterval = millis(p.cfg.PollInterval)
		pair.SetObserver(e.onPairEvent)
		e.radioList.BindAddress(pair, p.address)
		if err := e.board.WatchPresence(int(p.port), pair.OnPresence); err != nil {
			logging.Warnf("engine", "failed to watch %s presence: %v", p.port, err)
		}

		if p.cfg.Device != "" {
			name := "amp-" + strings.ToLower(string(p.binding))
			line, err := e.openLine(p.cfg.Device, pair.Baud())
			if err != nil {
				return err
			}
			dev := transport.NewDevice(name, transport.HardwareSerial, line)
			if err := pair.SetDevice(dev, 0); err != nil {
				dev.Close()
				return err
			}
			e.fixed = append(e.fixed, dev)
		} else {
			usbPairs[p.binding] = pair
		}
		e.pairs[p.binding] = pair
	}

	if len(usbPairs) > 0 && e.usbScanner != nil {
		e.usb = pairing.NewUSBWatcher(e.usbScanner, e.usbMap, e.openLine, usbPairs)
	}
	return nil
}

func (e *CoreEngine) openDevice(name, path string, kind transport.DeviceType, baud int) (*transport.Device, error) {
	line, err := e.openLine(path, baud)
	if err != nil {
		return nil, err
	}
	dev := transport.NewDevice(name, kind, line)
	if err := dev.Open(baud); err != nil {
		line.Close()
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return dev, nil
}

// runTasks starts one goroutine per periodic task
func (e *CoreEngine) runTasks(ctx context.Context) {
	e.spawn(ctx, e.eventLoop)
	for _, s := range e.sources {
		e.spawn(ctx, s.Run)
	}
	e.spawn(ctx, e.tuner.Run)
	e.spawn(ctx, e.bt.Run)
	for _, pair := range e.pairs {
		e.spawn(ctx, pair.Run)
	}
	if e.usb != nil {
		e.spawn(ctx, e.usb.Run)
	}
}

func (e *CoreEngine) spawn(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// shutdown closes whatever build opened
func (e *CoreEngine) shutdown() {
	for _, dev := range append([]*transport.Device{e.radio, e.passthrough}, e.fixed...) {
		if dev != nil {
			dev.Close()
		}
	}
	if e.board != nil {
		e.board.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logging.Warnf("engine", "failed to close store: %v", err)
		}
	}
}

// applyDebug switches debug logging and wire tracing together
func (e *CoreEngine) applyDebug(on bool) {
	logging.SetDebug(on)
	verbose.SetEnabled(on)
}

func (e *CoreEngine) onPolicyEvent(ev policy.Event) {
	e.emit(protocol.Event{
		Kind:        ev.Kind,
		Source:      "policy",
		FrequencyHz: ev.FrequencyHz,
		Band:        ev.Band.String(),
		Power:       policy.LevelToPercent(uint8(ev.Power)),
		Detail:      fmt.Sprintf("ceiling %d%%", policy.LevelToPercent(uint8(ev.Ceiling))),
	})
}

func (e *CoreEngine) onTuneEvent(ev tuner.Event) {
	detail := ev.Port + " " + ev.Phase
	if ev.Outcome != "" {
		detail += " " + ev.Outcome
	}
	e.emit(protocol.Event{Kind: protocol.EventTune, Source: "tuner", Detail: detail})
}

func (e *CoreEngine) onPairEvent(ev pairing.Event) {
	detail := ev.Name + " " + ev.State
	if ev.Model != "" {
		detail += fmt.Sprintf(" %s at %d", ev.Model, ev.Baud)
	}
	e.emit(protocol.Event{Kind: protocol.EventAmplifier, Source: "pair", Detail: detail})
}

// onLink powers the PTT interface while the radio is linked and makes the
// policy start from a fresh frequency
func (e *CoreEngine) onLink(linked bool) {
	if err := e.board.SetPTTPower(linked); err != nil {
		logging.Warnf("engine", "%v", err)
	}
	detail := "unlinked"
	if linked {
		detail = "linked"
		e.policy.OnConnect()
		// the supervisor may still hold the link
		go func() {
			if err := e.rig.ReadOperatingFreq(true); err != nil {
				logging.Debugf("engine", "frequency request: %v", err)
			}
		}()
	} else {
		e.policy.OnDisconnect()
	}
	e.emit(protocol.Event{Kind: protocol.EventBluetooth, Source: "bluetooth", Detail: detail})
}

// hostPair picks the amplifier a host's Hardrock commands go to: A when
// connected, otherwise B
func (e *CoreEngine) hostPair() *pairing.Pair {
	for _, b := range []storage.Binding{storage.BindingA, storage.BindingB} {
		if pair := e.pairs[b]; pair != nil && pair.IsConnected() {
			return pair
		}
	}
	return nil
}

// hostRouter serves the USB passthrough port: CI-V frames are relayed to
// the radio, Hardrock commands to an amplifier and HP lines to the
// console
type hostRouter struct {
	engine *CoreEngine
}

func (h *hostRouter) OnFrame(frame []byte, src *transport.Device) {
	h.engine.rig.OnFrame(frame, src)
}

func (h *hostRouter) OnText(packet string, src *transport.Device) {
	switch {
	case protocol.IsConsoleCommand(packet):
		cmd, err := protocol.ParseCommand(packet)
		if err != nil {
			return
		}
		h.engine.runConsole(cmd, &deviceConsole{dev: src})
	case hardrock.IsHardrockPacket(packet):
		if pair := h.engine.hostPair(); pair != nil {
			pair.OnText(packet, src)
		}
	default:
		logging.Debugf("engine", "ignored %q from %s", packet, src.Name())
	}
}

// mirror copies radio telemetry to the passthrough port so host software
// follows the radio
type mirror struct {
	binding.Nop
	dev *transport.Device
}

func (m *mirror) OnFrame(frame []byte, src *transport.Device) {
	if _, err := m.dev.Write(frame); err != nil {
		logging.Debugf("engine", "mirror to %s: %v", m.dev.Name(), err)
	}
}
