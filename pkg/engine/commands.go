package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/protocol"
)

const defaultEventLimit = 50

// handleCommand answers the daemon verbs used by hpctl and the web API
func (e *CoreEngine) handleCommand(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdStatus:
		return dataResponse(e.Status())

	case protocol.CmdEvents:
		return e.handleEvents(cmd)

	case protocol.CmdTables:
		return dataResponse(map[string]interface{}{"tables": e.policy.Tables()})

	case protocol.CmdUSBMap:
		return e.handleUSBMap()

	case protocol.CmdTuning:
		return e.handleTuning(cmd)

	case protocol.CmdPair:
		return e.handlePair(cmd)

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

// dataResponse flattens v into the response data through its JSON form
func dataResponse(v interface{}) *protocol.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("failed to encode response: %v", err))
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("failed to encode response: %v", err))
	}
	return protocol.NewSuccessResponse(data)
}

func (e *CoreEngine) handleEvents(cmd *protocol.Command) *protocol.Response {
	var events []protocol.Event
	var err error

	if _, ok := cmd.Args["stats"]; ok {
		stats, err := e.journal.GetStats()
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return dataResponse(stats)
	}

	if kind, ok := cmd.Args["kind"].(string); ok {
		events, err = e.journal.GetEventsByKind(kind, defaultEventLimit)
	} else if since, ok := cmd.Args["since"].(string); ok {
		id, perr := strconv.ParseInt(since, 10, 64)
		if perr != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid event id: %s", since))
		}
		events, err = e.journal.GetEventsAfter(id, 0)
	} else {
		limit := defaultEventLimit
		if s, ok := cmd.Args["limit"].(string); ok {
			n, perr := strconv.Atoi(s)
			if perr != nil || n <= 0 {
				return protocol.NewErrorResponse(fmt.Sprintf("invalid limit: %s", s))
			}
			limit = n
		}
		events, err = e.journal.GetRecentEvents(limit)
	}
	if err != nil {
		return protocol.NewErrorResponse(err.Error())
	}
	if events == nil {
		events = []protocol.Event{}
	}
	return dataResponse(map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (e *CoreEngine) handleUSBMap() *protocol.Response {
	data := map[string]interface{}{
		"entries": e.usbMap.Entries(),
	}
	if e.usb != nil {
		data["cables"] = e.usb.Cables()
	}
	return dataResponse(data)
}

// handleTuning sets TUNING:<A|B>:<1|2>:<on|off>. Without a state it only
// reports the table.
func (e *CoreEngine) handleTuning(cmd *protocol.Command) *protocol.Response {
	if state, ok := cmd.Args["state"].(string); ok {
		var amp policy.Amplifier
		switch strings.ToUpper(fmt.Sprint(cmd.Args["amplifier"])) {
		case "A":
			amp = policy.AmpA
		case "B":
			amp = policy.AmpB
		default:
			return protocol.NewErrorResponse(fmt.Sprintf("invalid amplifier: %v", cmd.Args["amplifier"]))
		}
		antenna, err := strconv.Atoi(fmt.Sprint(cmd.Args["antenna"]))
		if err != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid antenna: %v", cmd.Args["antenna"]))
		}
		var on bool
		switch strings.ToLower(state) {
		case "on", "1", "true":
			on = true
		case "off", "0", "false":
		default:
			return protocol.NewErrorResponse(fmt.Sprintf("invalid state: %s", state))
		}
		if err := e.policy.SetTuningEnabled(amp, antenna, on); err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		e.tuner.Refresh()
	}
	return dataResponse(map[string]interface{}{
		"tuning_enabled": e.policy.Tables().TuningEnabled,
	})
}

// handlePair starts pairing in the background; the outcome is reported as
// a bluetooth event. PAIR:clear forgets the bound radio.
func (e *CoreEngine) handlePair(cmd *protocol.Command) *protocol.Response {
	switch cmd.Args["action"] {
	case nil, "", "start":
		go func() {
			detail := "paired"
			if err := e.bt.Pair(); err != nil {
				logging.Warnf("engine", "pairing failed: %v", err)
				detail = "pairing failed"
			}
			e.emit(protocol.Event{Kind: protocol.EventBluetooth, Source: "bluetooth", Detail: detail})
		}()
		return protocol.NewSuccessResponse(map[string]interface{}{"pairing": "started"})

	case "clear":
		if err := e.bt.ClearPairing(); err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"pairing": "cleared"})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown pair action: %v", cmd.Args["action"]))
	}
}
