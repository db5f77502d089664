package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/protocol"
	"github.com/dougsko/hardplace/pkg/transport"
)

// ConfirmTimeout bounds the wait for the operator in HPMP
var ConfirmTimeout = 2 * time.Minute

// Console is where a console command writes its reply
type Console interface {
	io.Writer
	// Await shows prompt and waits up to timeout for the operator to
	// answer. It reports whether an answer arrived.
	Await(prompt string, timeout time.Duration) bool
}

// deviceConsole answers on the serial port the command came from
type deviceConsole struct {
	dev *transport.Device
}

func (c *deviceConsole) Write(p []byte) (int, error) {
	return c.dev.Write(p)
}

func (c *deviceConsole) Await(prompt string, timeout time.Duration) bool {
	c.dev.Clear()
	fmt.Fprintf(c, "%s\r\n", prompt)
	ok := c.dev.WaitAvailable(timeout)
	c.dev.Clear()
	return ok
}

// socketConsole buffers the reply for one JSON text response. A prompt
// flushes what was written so far with the prompt and consumes the next
// line as the answer.
type socketConsole struct {
	conn    net.Conn
	scanner *bufio.Scanner
	buf     bytes.Buffer
}

func newSocketConsole(conn net.Conn, scanner *bufio.Scanner) *socketConsole {
	return &socketConsole{conn: conn, scanner: scanner}
}

func (c *socketConsole) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *socketConsole) Await(prompt string, timeout time.Duration) bool {
	rsp := protocol.NewPromptResponse(prompt, c.buf.String())
	c.buf.Reset()
	if _, err := c.conn.Write([]byte(rsp.String() + "\n")); err != nil {
		return false
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.scanner.Scan()
}

func (c *socketConsole) String() string {
	return c.buf.String()
}

type handler func(e *CoreEngine, cmd *protocol.Command, out Console)

type consoleCommand struct {
	name string
	help string
	run  handler
}

// consoleCommands is the HP command table in help order
func consoleCommands() []consoleCommand {
	return []consoleCommand{
		{protocol.CmdMaxPower, "Set Max power setting for current band/antenna/amplifier", handleMaxPower},
		{protocol.CmdInitialPower, "Set Initial Power for current band/antenna/amplifier", handleInitialPower},
		{protocol.CmdResetPower, "Reset power to default for current band/antenna/amplifier", handleResetPower},
		{protocol.CmdDefaultPower, "Reset power to default for current band/antenna/amplifier", handleResetPower},
		{protocol.CmdVersion, "Get Hardplace Version", handleVersion},
		{protocol.CmdAvailable, "Report Hardrock availability", handleAvailable},
		{protocol.CmdDebug, "Debug disable \"HPDE0;\" enable \"HPDE1;\"", handleDebug},
		{protocol.CmdClearPairing, "Delete pairings", handleClearPairing},
		{protocol.CmdEraseAll, "Erase all settings", handleEraseAll},
		{protocol.CmdRestart, "Reboot", handleRestart},
		{protocol.CmdClearMap, "Clear USB to Hardrock assignments", handleClearMap},
		{protocol.CmdDisconnect, "Disconnect from the IC-705", handleDisconnect},
		{protocol.CmdATCommand, "Issue AT command to HC-05 \"HPAT+Version?\" or \"HPATAT+Version?\"", handleATCommand},
		{protocol.CmdPTTSwitches, "Display PTT enable/disable settings", handlePTTSwitches},
		{protocol.CmdPowerMaps, "Print power maps", handlePowerMaps},
		{protocol.CmdPrintStatus, "Print device status", handlePrintStatus},
		{protocol.CmdHelp, "Help", handleHelp},
	}
}

// runConsole runs one HP command. Commands run one at a time whichever
// port they arrive on.
func (e *CoreEngine) runConsole(cmd *protocol.Command, out Console) {
	e.consoleMu.Lock()
	defer e.consoleMu.Unlock()

	logging.Debugf("engine", "console %s", cmd.Raw)
	for _, c := range e.commands {
		if c.name == cmd.Type {
			c.run(e, cmd, out)
			return
		}
	}
	fmt.Fprintf(out, "%s Command not found \r\n", cmd.Type)
	handleHelp(e, cmd, out)
}

func reply(out Console, err error) {
	if err != nil {
		logging.Debugf("engine", "console: %v", err)
		fmt.Fprint(out, "FAIL\r\n")
		return
	}
	fmt.Fprint(out, "OK\r\n")
}

// handleMaxPower reads the power before and after the operator sets the
// new maximum on the radio. A zero second reading only counts when the
// first was zero too, so a missed reply does not store 0%.
func handleMaxPower(e *CoreEngine, cmd *protocol.Command, out Console) {
	first, err := e.rig.RFPower()
	if err != nil {
		first = 0
	}
	if !out.Await("Set the new maximum power, then send any character to continue", ConfirmTimeout) {
		fmt.Fprint(out, "FAIL\r\n")
		return
	}
	second, err := e.rig.RFPower()
	if err != nil || (second == 0 && first != 0) {
		fmt.Fprint(out, "FAIL\r\n")
		return
	}
	reply(out, e.policy.SetMaxPower(uint8(second)))
}

func handleInitialPower(e *CoreEngine, cmd *protocol.Command, out Console) {
	level, err := e.rig.RFPower()
	if err == nil && level == 0 {
		err = fmt.Errorf("radio reported no power")
	}
	if err == nil {
		err = e.policy.SetInitialPower(uint8(level))
	}
	reply(out, err)
}

func handleResetPower(e *CoreEngine, cmd *protocol.Command, out Console) {
	reply(out, e.policy.ResetRadioPower())
}

func handleVersion(e *CoreEngine, cmd *protocol.Command, out Console) {
	fmt.Fprintf(out, "Hardplace 705+ Version %s\r\n", Version)
}

func handleAvailable(e *CoreEngine, cmd *protocol.Command, out Console) {
	st := e.policy.State()
	if !st.Available[policy.AmpA] && !st.Available[policy.AmpB] {
		fmt.Fprint(out, "OK\r\n")
		return
	}
	if st.Available[policy.AmpA] {
		fmt.Fprint(out, "A")
	}
	if st.Available[policy.AmpB] {
		fmt.Fprint(out, "B")
	}
	fmt.Fprint(out, "\r\n")
}

// handleDebug enables debug unless the argument ends in 0
func handleDebug(e *CoreEngine, cmd *protocol.Command, out Console) {
	arg, _ := cmd.Args["arg"].(string)
	on := !strings.HasSuffix(arg, "0")
	e.applyDebug(on)
	reply(out, e.policy.SetDebug(on))
}

func handleClearPairing(e *CoreEngine, cmd *protocol.Command, out Console) {
	err := e.bt.ClearPairing()
	reply(out, err)
	if err == nil {
		e.requestRestart()
	}
}

func handleEraseAll(e *CoreEngine, cmd *protocol.Command, out Console) {
	err := e.store.Clear()
	if err == nil {
		err = e.usbMap.Erase()
	}
	if err == nil {
		err = e.journal.Purge()
	}
	if err == nil {
		e.policy.Reset()
	}
	reply(out, err)
	if err == nil {
		e.requestRestart()
	}
}

func handleRestart(e *CoreEngine, cmd *protocol.Command, out Console) {
	fmt.Fprint(out, "OK (rebooting) . . .\r\n")
	e.requestRestart()
}

func handleClearMap(e *CoreEngine, cmd *protocol.Command, out Console) {
	reply(out, e.usbMap.Erase())
}

func handleDisconnect(e *CoreEngine, cmd *protocol.Command, out Console) {
	if err := e.bt.Disconnect(); err != nil {
		logging.Warnf("engine", "disconnect: %v", err)
	}
	fmt.Fprint(out, "OK\r\n")
}

// handleATCommand sends everything from the last "AT+" up to the ';' to
// the HC-05 and prints the raw reply
func handleATCommand(e *CoreEngine, cmd *protocol.Command, out Console) {
	line := strings.ToUpper(cmd.Raw)
	i := strings.LastIndex(line, "AT+")
	if i < 0 {
		fmt.Fprint(out, "FAIL\r\n")
		return
	}
	at := line[i:]
	if j := strings.IndexByte(at, ';'); j >= 0 {
		at = at[:j]
	}
	rsp, err := e.bt.Command(at)
	if rsp == "" && err != nil {
		fmt.Fprint(out, "FAIL\r\n")
		return
	}
	fmt.Fprint(out, rsp)
}

func handlePTTSwitches(e *CoreEngine, cmd *protocol.Command, out Console) {
	state := func(amp int, index int) string {
		if e.board.BandSwitchEnabled(amp, index) {
			return "Enabled"
		}
		return "Disabled"
	}
	for i := 0; i < policy.Bands; i++ {
		fmt.Fprintf(out, "%3d Meters: Hardrock A %8s Hardrock B %s\r\n",
			policy.BandMeters(i), state(int(policy.AmpA), i), state(int(policy.AmpB), i))
	}
}

func handlePowerMaps(e *CoreEngine, cmd *protocol.Command, out Console) {
	t := e.policy.Tables()
	pct := policy.LevelToPercent

	fmt.Fprintf(out, "70CM: Initial %d%% Maximum %d%%\r\n", pct(t.Initial70CM), pct(t.Initial70CM))
	fmt.Fprintf(out, "2M:   Initial %d%% Maximum %d%%\r\n\r\n", pct(t.Initial2M), pct(t.Initial2M))

	for n, amp := range []policy.Amplifier{policy.AmpA, policy.AmpB} {
		if n > 0 {
			fmt.Fprint(out, "\r\n")
		}
		for i := 0; i < policy.Bands; i++ {
			band := policy.Band{Index: i, Meters: policy.BandMeters(i)}
			fmt.Fprintf(out, "%s %3dM: Initial %3d%% Maximum Ant 1/2 %3d/%3d%% QRP Initial %3d%% Max %d%%\r\n",
				amp, band.Meters,
				pct(t.InitialPower(amp, band)),
				pct(t.MaxPower(amp, 1, i)),
				pct(t.MaxPower(amp, 2, i)),
				pct(t.InitialPower(policy.QRP, band)),
				pct(t.MaxPower(policy.QRP, 1, i)))
		}
	}
}

func handlePrintStatus(e *CoreEngine, cmd *protocol.Command, out Console) {
	st := e.Status()
	bt := e.bt.Status()

	link := "unlinked"
	if st.Linked {
		link = "linked"
	}
	bound := bt.Bound
	if bound == "" {
		bound = "none"
	}
	fmt.Fprintf(out, "Hardplace 705+ Version %s up %s\r\n", st.Version, st.Uptime)
	fmt.Fprintf(out, "Bluetooth: %s, bound %s, %d baud\r\n", link, bound, bt.Baud)
	fmt.Fprintf(out, "Frequency: %d Hz (%s)\r\n", st.FrequencyHz, st.Band)
	power := "unknown"
	if st.Power >= 0 {
		power = fmt.Sprintf("%d%%", policy.LevelToPercent(uint8(st.Power)))
	}
	fmt.Fprintf(out, "Power: %s, ceiling %d%% (%s)\r\n", power, policy.LevelToPercent(uint8(st.Ceiling)), st.Active)

	for _, amp := range st.Amplifiers {
		fmt.Fprintf(out, "%s: %s", amp.Port, amp.State)
		if amp.Model != "" {
			fmt.Fprintf(out, " %s at %d baud", amp.Model, amp.Baud)
		}
		if amp.Device != "" {
			fmt.Fprintf(out, " on %s", amp.Device)
		}
		if amp.Available {
			fmt.Fprintf(out, ", antenna %d", amp.Antenna)
			if amp.ATU {
				fmt.Fprint(out, ", ATU")
			}
			if amp.PTTEnabled {
				fmt.Fprint(out, ", PTT enabled")
			}
		}
		fmt.Fprint(out, "\r\n")
	}
	if st.Tuning {
		fmt.Fprint(out, "Tuner: tuning\r\n")
	}
}

func handleHelp(e *CoreEngine, cmd *protocol.Command, out Console) {
	for _, c := range e.commands {
		fmt.Fprintf(out, "%s - %s\r\n", c.name, c.help)
	}
}
