package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/binding"
	"github.com/dougsko/hardplace/pkg/bluetooth"
	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/pairing"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/protocol"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/tuner"
)

// Version is reported by HPVE and STATUS
const Version = "2.0.0"

// CoreEngine owns every bridge component and serves the control socket
type CoreEngine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// injected for tests
	openLine   pairing.Opener
	gpio       hardware.GPIOInterface
	usbScanner hardware.USBEnumerator

	board   *hardware.Board
	store   *storage.Store
	journal *storage.Journal
	usbMap  *storage.USBMap

	radio       *transport.Device
	passthrough *transport.Device
	rig         *civ.Rig
	radioList   *binding.List
	hostList    *binding.List
	sources     []*binding.Source

	policy *policy.Engine
	tuner  *tuner.Orchestrator
	hc05   *bluetooth.HC05
	bt     *bluetooth.Supervisor
	pairs  map[storage.Binding]*pairing.Pair
	fixed  []*transport.Device
	usb    *pairing.USBWatcher

	hub    *Hub
	events chan protocol.Event

	commands  []consoleCommand
	consoleMu sync.Mutex
	restart   chan struct{}
}

// NewCoreEngine creates an engine for cfg. Nothing is opened until Start.
func NewCoreEngine(cfg *config.Config, socketPath string) *CoreEngine {
	e := &CoreEngine{
		config:     cfg,
		socketPath: socketPath,
		openLine:   pairing.SerialOpener,
		pairs:      make(map[storage.Binding]*pairing.Pair),
		hub:        NewHub(),
		events:     make(chan protocol.Event, 64),
		restart:    make(chan struct{}, 1),
	}
	if cfg.Hardware.EnableGPIO {
		e.gpio = hardware.NewChipGPIO(cfg.Hardware.GPIOChip)
	} else {
		e.gpio = hardware.NewMockGPIO()
	}
	if cfg.Hardware.EnableUSB {
		e.usbScanner = hardware.NewUSBScanner()
	}
	e.commands = consoleCommands()
	return e
}

// Start builds the components, starts their tasks and listens on the
// control socket
func (e *CoreEngine) Start() error {
	e.mutex.Lock()
	if e.running {
		e.mutex.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.mutex.Unlock()

	if err := e.build(); err != nil {
		e.shutdown()
		return err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.runTasks(e.ctx)

	if err := e.listen(); err != nil {
		e.Stop()
		return err
	}

	logging.Infof("engine", "Core engine listening on %s", e.socketPath)
	return nil
}

// Stop cancels every task and releases the hardware
func (e *CoreEngine) Stop() error {
	e.mutex.Lock()
	e.running = false
	e.mutex.Unlock()

	if e.listener != nil {
		e.listener.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.hub.Close()
	e.shutdown()

	os.Remove(e.socketPath)
	logging.Info("engine", "Core engine stopped")
	return nil
}

// Restarts delivers a value when a console command asks for a restart
func (e *CoreEngine) Restarts() <-chan struct{} {
	return e.restart
}

func (e *CoreEngine) requestRestart() {
	select {
	case e.restart <- struct{}{}:
	default:
	}
}

// Hub returns the telemetry fan-out
func (e *CoreEngine) Hub() *Hub {
	return e.hub
}

func (e *CoreEngine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

func (e *CoreEngine) listen() error {
	// Remove existing socket file
	os.Remove(e.socketPath)

	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	e.listener = listener

	if err := os.Chmod(e.socketPath, 0660); err != nil {
		logging.Warnf("engine", "failed to set socket permissions: %v", err)
	}

	go e.acceptConnections()
	return nil
}

func (e *CoreEngine) acceptConnections() {
	for e.isRunning() {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.isRunning() && !errors.Is(err, net.ErrClosed) {
				logging.Warnf("engine", "Socket accept error: %v", err)
				continue
			}
			return
		}

		go e.handleConnection(conn)
	}
}

// handleConnection answers one JSON response per line. Console commands
// may interleave prompt responses, each answered by one more line.
func (e *CoreEngine) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		var response *protocol.Response
		if protocol.IsConsoleCommand(line) {
			out := newSocketConsole(conn, scanner)
			e.runConsole(cmd, out)
			response = protocol.NewTextResponse(out.String())
		} else {
			response = e.handleCommand(cmd)
		}
		if _, err := conn.Write([]byte(response.String() + "\n")); err != nil {
			logging.Debugf("engine", "socket write: %v", err)
			return
		}

		if cmd.Type == protocol.CmdQuit {
			break
		}
	}
}

// emit queues ev for the journal and telemetry clients. It never blocks
// the caller.
func (e *CoreEngine) emit(ev protocol.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.events <- ev:
	default:
		logging.Debugf("engine", "dropped %s event", ev.Kind)
	}
}

// eventLoop journals events other than power reports and publishes all
// of them
func (e *CoreEngine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.record(ev)
		}
	}
}

func (e *CoreEngine) record(ev protocol.Event) {
	if ev.Kind != protocol.EventPower && e.journal != nil {
		id, err := e.journal.Record(ev)
		if err != nil {
			logging.Warnf("engine", "failed to journal %s event: %v", ev.Kind, err)
		}
		ev.ID = id
	}
	e.hub.Publish(ev)
}

// Status returns a snapshot of the bridge
func (e *CoreEngine) Status() protocol.Status {
	st := e.policy.State()
	bt := e.bt.Status()

	status := protocol.Status{
		Version:     Version,
		Uptime:      time.Since(e.startTime).Round(time.Second).String(),
		StartTime:   e.startTime,
		Linked:      bt.Linked,
		Paired:      bt.Bound != "",
		FrequencyHz: st.FrequencyHz,
		Band:        st.Band.String(),
		Power:       st.Power,
		Active:      st.Active,
		Ceiling:     st.Ceiling,
		Tuning:      e.tuner.Tuning(),
		Amplifiers:  []protocol.AmplifierStatus{},
	}

	for _, b := range []storage.Binding{storage.BindingA, storage.BindingB} {
		pair := e.pairs[b]
		if pair == nil {
			continue
		}
		ps := pair.Status()
		amp := pair.Port()
		status.Amplifiers = append(status.Amplifiers, protocol.AmplifierStatus{
			Port:       ps.Port,
			State:      ps.State,
			Device:     ps.Device,
			Model:      ps.Model,
			Baud:       ps.Baud,
			Antenna:    ps.Antenna,
			ATU:        ps.ATU,
			Available:  st.Available[amp],
			PTT:        st.Keying[amp],
			PTTEnabled: st.PTTEnabled[amp],
		})
	}
	return status
}
