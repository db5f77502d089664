package bluetooth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/storage"
)

const (
	recordVersion = 1
	// MaxAddressLen is the persisted width of a bound address
	MaxAddressLen = 14
	// PairSeconds is how long AT+PAIR waits for the radio
	PairSeconds = 120
	// generalIAC is the general inquiry access code
	generalIAC = "9e8b33"
)

// Config holds the pairing identity and task timing
type Config struct {
	// Baud is the data rate programmed during pairing
	Baud           int
	Name           string
	RemoteName     string
	PIN            string
	Class          string
	InquirySeconds int
	TaskInterval   time.Duration
	// PowerCycle is how long a lost link is retried before the module is
	// switched off and set up again
	PowerCycle time.Duration
	// ResetSettle is the wait after AT+RESET in the pairing script
	ResetSettle time.Duration
}

// Status is a snapshot for status reports
type Status struct {
	Powered bool   `json:"powered"`
	ATMode  bool   `json:"at_mode"`
	Setup   bool   `json:"setup"`
	Linked  bool   `json:"linked"`
	Bound   string `json:"bound"`
	Baud    int    `json:"baud"`
}

// Supervisor keeps the module set up and linked to the bound radio
type Supervisor struct {
	hc    *HC05
	store *storage.Store
	cfg   Config

	// work serializes the task, pairing and console commands
	work sync.Mutex

	mu        sync.Mutex
	setup     bool
	connected bool
	linked    bool
	bound     string
	attempt   time.Time
	onLink    func(linked bool)
}

// NewSupervisor loads the bound address from store
func NewSupervisor(hc *HC05, store *storage.Store, cfg Config) (*Supervisor, error) {
	if cfg.TaskInterval <= 0 {
		cfg.TaskInterval = 5 * time.Second
	}
	if cfg.PowerCycle <= 0 {
		cfg.PowerCycle = 60 * time.Second
	}
	if cfg.ResetSettle <= 0 {
		cfg.ResetSettle = time.Second
	}
	s := &Supervisor{hc: hc, store: store, cfg: cfg, attempt: time.Now()}
	bound, err := s.loadBound()
	if err != nil {
		return nil, err
	}
	s.bound = bound
	logging.Infof("bluetooth", "Bind address %q", bound)
	return s, nil
}

// Client returns the AT client
func (s *Supervisor) Client() *HC05 {
	return s.hc
}

// SetOnLink registers fn to run whenever the radio links or unlinks
func (s *Supervisor) SetOnLink(fn func(linked bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLink = fn
}

// Run connects to the stored address, then performs Task every
// TaskInterval until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TaskInterval)
	defer ticker.Stop()
	s.Connect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Task()
		}
	}
}

// Task reconciles the module with the wanted link state. It is skipped
// while pairing or a console command holds the module.
func (s *Supervisor) Task() {
	if !s.work.TryLock() {
		return
	}
	defer s.work.Unlock()

	linked := s.hc.Linked()
	s.notify(linked)

	s.mu.Lock()
	setup, connected := s.setup, s.connected
	s.mu.Unlock()

	switch {
	case !setup:
		s.setupLocked()
	case connected && !linked:
		if s.hc.IsPoweredOn() {
			if s.sinceAttempt() > s.cfg.PowerCycle {
				logging.Warn("bluetooth", "Link lost too long, power cycling module")
				s.powerOffLocked()
			} else if err := s.hc.Disconnect(); err != nil {
				logging.Debugf("bluetooth", "Disconnect: %v", err)
			}
		}
		s.setConnected(false)
	case s.hc.IsPoweredOn() && !linked:
		s.ensureAvailable()
		s.setConnected(s.linkBound())
	default:
		s.mu.Lock()
		s.attempt = time.Now()
		s.mu.Unlock()
	}
}

// Connect sets the module up and, when an address is stored, links to it
// without waiting for the next task. It reports whether a link was made.
func (s *Supervisor) Connect() bool {
	s.work.Lock()
	defer s.work.Unlock()

	if !s.setupLocked() {
		return false
	}
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if bound == "" || s.hc.Linked() {
		return false
	}
	linked := s.linkBound()
	s.setConnected(linked)
	return linked
}

// Setup powers the module, finds its rate and binds the stored address
func (s *Supervisor) Setup() bool {
	s.work.Lock()
	defer s.work.Unlock()
	return s.setupLocked()
}

func (s *Supervisor) setupLocked() bool {
	if !s.hc.IsPoweredOn() {
		// full AT mode only runs at 38400
		s.hc.ATMode(s.hc.Device().Baud() == 38400)
		if err := s.hc.PowerOn(); err != nil {
			logging.Warnf("bluetooth", "Power on: %v", err)
			return false
		}
		s.mu.Lock()
		s.setup = false
		s.mu.Unlock()
	}

	s.mu.Lock()
	setup, bound := s.setup, s.bound
	s.mu.Unlock()
	if setup {
		return true
	}

	if !s.hc.DiscoverBaud() {
		return false
	}
	if err := s.hc.InitSPP(); err != nil {
		logging.Debugf("bluetooth", "Init: %v", err)
	}
	// a module left in any-address mode would link to the first radio it hears
	if manual, err := s.hc.ManualConnectionMode(); err == nil && !manual {
		if _, err := s.hc.Send(CmdCMode + "=0"); err != nil {
			logging.Warnf("bluetooth", "Connection mode: %v", err)
		}
	}
	if bound != "" {
		if err := s.hc.Bind(bound); err != nil {
			logging.Warnf("bluetooth", "Bind %s: %v", bound, err)
		}
	}
	s.mu.Lock()
	s.setup = true
	s.attempt = time.Now()
	s.mu.Unlock()
	return true
}

// ensureAvailable power cycles a module that stopped answering. Only
// checked while unlinked so the radio's stream is never interrupted.
func (s *Supervisor) ensureAvailable() {
	if s.hc.IsATMode() || s.hc.Ping(false) {
		return
	}
	logging.Warn("bluetooth", "Module not answering, power cycling")
	if err := s.hc.pins.BluetoothPower(false); err != nil {
		logging.Warnf("bluetooth", "Power off: %v", err)
		return
	}
	time.Sleep(s.hc.ResetDelay)
	if err := s.hc.PowerOn(); err != nil {
		logging.Warnf("bluetooth", "Power on: %v", err)
	}
}

// linkBound links to the stored address, or to whatever the module is
// bound to when nothing is stored
func (s *Supervisor) linkBound() bool {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if bound == "" {
		addr, err := s.hc.BindAddress()
		if err != nil || addr == "" {
			return false
		}
		bound = addr
		s.mu.Lock()
		s.bound = addr
		s.mu.Unlock()
	}

	rsp, err := s.hc.Link(bound)
	if err != nil {
		logging.Debugf("bluetooth", "Link %s: %v", bound, err)
		return false
	}
	if strings.Contains(rsp, ErrorCode0) {
		s.powerOffLocked()
	}
	logging.Infof("bluetooth", "Linked to %s", bound)
	return true
}

// PowerOff switches the module off; the next task sets it up again
func (s *Supervisor) PowerOff() {
	s.work.Lock()
	defer s.work.Unlock()
	s.powerOffLocked()
}

func (s *Supervisor) powerOffLocked() {
	if err := s.hc.PowerOff(); err != nil {
		logging.Warnf("bluetooth", "Power off: %v", err)
	}
	s.mu.Lock()
	s.setup = false
	s.mu.Unlock()
}

// Disconnect drops the radio link
func (s *Supervisor) Disconnect() error {
	s.work.Lock()
	defer s.work.Unlock()
	err := s.hc.Disconnect()
	s.setConnected(false)
	return err
}

// Command passes an AT command through to the module
func (s *Supervisor) Command(cmd string) (string, error) {
	s.work.Lock()
	defer s.work.Unlock()
	return s.hc.Send(cmd)
}

// Pair runs the pairing script: identity, master role, inquiry, then a
// remote-name match against the configured radio. The first match is
// paired, bound, stored and linked. Nothing is stored unless pairing and
// binding succeed.
func (s *Supervisor) Pair() error {
	s.work.Lock()
	defer s.work.Unlock()
	defer s.hc.enterAT()()

	if _, err := s.hc.Version(); err != nil {
		s.hc.DiscoverBaud()
		if v, err := s.hc.Version(); err == nil {
			logging.Infof("bluetooth", "Module version %s", v)
		}
	}

	steps := []string{
		CmdName + "=\"" + s.cfg.Name + "\"",
		CmdPIN + "=\"" + s.cfg.PIN + "\"",
		CmdUART + "=" + strconv.Itoa(s.cfg.Baud) + ",0,0",
		CmdRemoveAll,
		CmdRole + "=1",
		CmdReset,
		CmdInit,
		CmdCMode + "=0",
		CmdIAC + "=" + generalIAC,
		CmdClass + "=" + s.cfg.Class,
	}
	for _, cmd := range steps {
		if cmd == CmdInit {
			time.Sleep(s.cfg.ResetSettle)
		}
		if _, err := s.hc.Send(cmd); err != nil {
			return fmt.Errorf("failed to configure module: %w", err)
		}
	}

	units := InquiryUnits(s.cfg.InquirySeconds)
	window := max(s.hc.Timeout, time.Duration(units)*1280*time.Millisecond+time.Second)
	if _, err := s.hc.Send(fmt.Sprintf("%s=0,1,%d", CmdInqMode, units)); err != nil {
		return fmt.Errorf("failed to set inquiry mode: %w", err)
	}
	rsp, err := s.hc.SendTimeout(CmdInquire, window)
	if err != nil {
		return fmt.Errorf("failed to inquire: %w", err)
	}

	var peer string
	for _, addr := range ParseInquiry(rsp) {
		name, err := s.hc.RemoteName(addr, window)
		if err != nil {
			logging.Debugf("bluetooth", "Remote name of %s: %v", addr, err)
			continue
		}
		logging.Debugf("bluetooth", "Found %s %q", addr, name)
		if name == s.cfg.RemoteName {
			peer = addr
			break
		}
	}
	if peer == "" {
		return fmt.Errorf("no %q found", s.cfg.RemoteName)
	}

	if err := s.hc.PairDevice(peer, PairSeconds); err != nil {
		return fmt.Errorf("failed to pair with %s: %w", peer, err)
	}
	if err := s.hc.Bind(peer); err != nil {
		return fmt.Errorf("failed to bind %s: %w", peer, err)
	}
	if err := s.saveBound(peer); err != nil {
		return err
	}
	logging.Infof("bluetooth", "Paired with %s", peer)

	if _, err := s.hc.Link(peer); err != nil {
		return fmt.Errorf("paired but failed to link %s: %w", peer, err)
	}
	s.setConnected(true)
	return nil
}

// InquiryUnits converts seconds to the module's 1.28 s inquiry units
func InquiryUnits(secs int) int {
	return max(1, secs*100/128)
}

// Paired reports whether a bound address is known
func (s *Supervisor) Paired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound != ""
}

// BoundAddress returns the stored address
func (s *Supervisor) BoundAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// ClearPairing forgets the bound address
func (s *Supervisor) ClearPairing() error {
	return s.saveBound("")
}

// Status returns a snapshot of the module state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Powered: s.hc.IsPoweredOn(),
		ATMode:  s.hc.IsATMode(),
		Setup:   s.setup,
		Linked:  s.linked,
		Bound:   s.bound,
		Baud:    s.hc.Device().Baud(),
	}
}

func (s *Supervisor) notify(linked bool) {
	s.mu.Lock()
	changed := linked != s.linked
	s.linked = linked
	fn := s.onLink
	s.mu.Unlock()
	if !changed {
		return
	}
	if linked {
		logging.Info("bluetooth", "Radio linked")
	} else {
		logging.Info("bluetooth", "Radio unlinked")
	}
	if fn != nil {
		fn(linked)
	}
}

func (s *Supervisor) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *Supervisor) sinceAttempt() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.attempt)
}

func (s *Supervisor) loadBound() (string, error) {
	r, err := s.store.Open(storage.RecordBluetooth, recordVersion)
	if err != nil {
		return "", fmt.Errorf("failed to open bluetooth record: %w", err)
	}
	if !r.HaveRecord() {
		return "", nil
	}
	return r.GetString(MaxAddressLen), nil
}

func (s *Supervisor) saveBound(addr string) error {
	if len(addr) > MaxAddressLen {
		return fmt.Errorf("address %q longer than %d", addr, MaxAddressLen)
	}
	r, err := s.store.Open(storage.RecordBluetooth, recordVersion)
	if err != nil {
		return fmt.Errorf("failed to open bluetooth record: %w", err)
	}
	r.Rewind()
	r.PutString(addr, MaxAddressLen)
	if err := r.Flush(); err != nil {
		return fmt.Errorf("failed to save bound address: %w", err)
	}
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
	return nil
}
