package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Command represents a command sent to the core engine
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
	// Raw is the line as received; console handlers parse their own
	// arguments from it
	Raw string `json:"raw,omitempty"`
}

// Response represents a response from the core engine
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	// Text is the console reply of an HP command
	Text string `json:"text,omitempty"`
	// Prompt is set on an intermediate response; the engine waits for
	// one more line before it answers again
	Prompt string `json:"prompt,omitempty"`
}

// Event is a bridge event kept in the journal and pushed to telemetry
// clients
type Event struct {
	ID          int64     `json:"id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	Source      string    `json:"source"`
	Detail      string    `json:"detail,omitempty"`
	FrequencyHz uint64    `json:"frequency_hz,omitempty"`
	Band        string    `json:"band,omitempty"`
	Power       int       `json:"power,omitempty"`
}

// Event kinds
const (
	EventBand      = "band"
	EventPower     = "power"
	EventClamp     = "clamp"
	EventInitial   = "initial"
	EventTune      = "tune"
	EventAmplifier = "amplifier"
	EventBluetooth = "bluetooth"
)

// AmplifierStatus describes one amplifier port
type AmplifierStatus struct {
	Port       string `json:"port"`
	State      string `json:"state"`
	Device     string `json:"device,omitempty"`
	Model      string `json:"model,omitempty"`
	Baud       int    `json:"baud"`
	Antenna    int    `json:"antenna"`
	ATU        bool   `json:"atu"`
	Available  bool   `json:"available"`
	PTT        bool   `json:"ptt"`
	PTTEnabled bool   `json:"ptt_enabled"`
}

// Status represents the current daemon status
type Status struct {
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	StartTime   time.Time         `json:"start_time"`
	Linked      bool              `json:"linked"`
	Paired      bool              `json:"paired"`
	FrequencyHz uint64            `json:"frequency_hz"`
	Band        string            `json:"band"`
	Power       int               `json:"power"`
	Active      string            `json:"active"`
	Ceiling     int               `json:"ceiling"`
	Tuning      bool              `json:"tuning"`
	Amplifiers  []AmplifierStatus `json:"amplifiers"`
}

// ConsolePrefix starts every console command
const ConsolePrefix = "HP"

// IsConsoleCommand reports whether text is an HP console command
func IsConsoleCommand(text string) bool {
	text = strings.TrimSpace(text)
	return len(text) >= 4 && strings.EqualFold(text[:2], ConsolePrefix)
}

// ParseCommand parses a text command into a Command struct. Console
// commands keep their four character mnemonic as the type and the rest
// of the line, without the trailing ';', as the "arg" argument.
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	if IsConsoleCommand(text) {
		cmd := &Command{
			Type: strings.ToUpper(text[:4]),
			Args: make(map[string]interface{}),
			Raw:  text,
		}
		if arg := strings.TrimSuffix(text[4:], ";"); arg != "" {
			cmd.Args["arg"] = arg
		}
		return cmd, nil
	}

	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(parts[0]),
		Args: make(map[string]interface{}),
		Raw:  text,
	}

	if len(parts) > 1 {
		args := parts[1]

		switch cmd.Type {
		case CmdEvents:
			// EVENTS:10, EVENTS:since:123, EVENTS:kind:tune or EVENTS:stats
			if strings.Contains(args, "since:") {
				sinceParts := strings.Split(args, "since:")
				if len(sinceParts) > 1 {
					cmd.Args["since"] = sinceParts[1]
				}
			} else if kind, ok := strings.CutPrefix(args, "kind:"); ok {
				cmd.Args["kind"] = kind
			} else if args == "stats" {
				cmd.Args["stats"] = true
			} else {
				cmd.Args["limit"] = args
			}

		case CmdTuning:
			// TUNING:A:1:on
			tuningParts := strings.SplitN(args, ":", 3)
			keys := []string{"amplifier", "antenna", "state"}
			for i, p := range tuningParts {
				cmd.Args[keys[i]] = p
			}

		case CmdPair:
			// PAIR:clear
			cmd.Args["action"] = strings.ToLower(args)
		}
	}

	return cmd, nil
}

// String converts a Response to a JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewTextResponse wraps a console reply
func NewTextResponse(text string) *Response {
	return &Response{
		Success: true,
		Text:    text,
	}
}

// NewPromptResponse asks the operator for one more line
func NewPromptResponse(prompt, text string) *Response {
	return &Response{
		Success: true,
		Text:    text,
		Prompt:  prompt,
	}
}

// Daemon commands
const (
	CmdStatus = "STATUS"
	CmdEvents = "EVENTS"
	CmdTables = "TABLES"
	CmdUSBMap = "USBMAP"
	CmdTuning = "TUNING"
	CmdPair   = "PAIR"
	CmdQuit   = "QUIT"
	CmdPing   = "PING"
)

// Console commands
const (
	CmdMaxPower     = "HPMP"
	CmdInitialPower = "HPIP"
	CmdResetPower   = "HPRP"
	CmdDefaultPower = "HPDP"
	CmdVersion      = "HPVE"
	CmdAvailable    = "HPHA"
	CmdDebug        = "HPDE"
	CmdClearPairing = "HPCP"
	CmdEraseAll     = "HPOR"
	CmdRestart      = "HPRE"
	CmdClearMap     = "HPCM"
	CmdDisconnect   = "HPDI"
	CmdATCommand    = "HPAT"
	CmdPTTSwitches  = "HPPT"
	CmdPowerMaps    = "HPPM"
	CmdPrintStatus  = "HPPS"
	CmdHelp         = "HPHE"
)
