// Package bluetooth drives the HC-05 module that links the IC-705 to the
// bridge. The module speaks a small AT dialect while its key line is high
// and carries the radio's CI-V stream otherwise.
//
// # Protocol Overview
//
// Commands are sent CRLF terminated. The module answers with zero or more
// data lines that carry a '+' (for example "+STATE:CONNECTED") followed by
// a final result: "OK", "FAIL" or "ERROR:(n)".
package bluetooth

import "strings"

const (
	CRLF  = "\r\n"
	OK    = "OK" + CRLF
	FAIL  = "FAIL" + CRLF
	ERROR = "ERROR"

	// ErrorCode0 is reported when the module itself is wedged
	ErrorCode0  = "ERROR:(0)"
	// ErrorCode16 means the SPP library is not initialized
	ErrorCode16 = "ERROR:(16)"
	// ErrorCode17 means the SPP library is already initialized
	ErrorCode17 = "ERROR:(17)"
)

// Commands used by the client
const (
	CmdTest      = "AT"
	CmdVersion   = "AT+VERSION?"
	CmdReset     = "AT+RESET"
	CmdInit      = "AT+INIT"
	CmdUART      = "AT+UART"
	CmdBind      = "AT+BIND"
	CmdLink      = "AT+LINK"
	CmdDisc      = "AT+DISC"
	CmdState     = "AT+STATE?"
	CmdCMode     = "AT+CMODE"
	CmdPair      = "AT+PAIR"
	CmdRemoveAll = "AT+RMAAD"
	CmdRole      = "AT+ROLE"
	CmdName      = "AT+NAME"
	CmdPIN       = "AT+PSWD"
	CmdIAC       = "AT+IAC"
	CmdClass     = "AT+CLASS"
	CmdInqMode   = "AT+INQM"
	CmdInquire   = "AT+INQ"
	CmdRName     = "AT+RNAME?"
)

// ResponseType classifies one line read from the module
type ResponseType int

const (
	// TypeEmpty is a read that timed out with nothing
	TypeEmpty ResponseType = iota
	// TypeData carries a '+' prefixed value and is followed by a final line
	TypeData
	// TypeFinal ends the reply
	TypeFinal
	// TypePartial is a line cut short by the read timeout
	TypePartial
	// TypeOther is any other complete line
	TypeOther
)

// Classify returns the type of a line as read, terminator included
func Classify(line string) ResponseType {
	switch {
	case line == "":
		return TypeEmpty
	case strings.Contains(line, "+"):
		return TypeData
	case !strings.HasSuffix(line, "\n"):
		return TypePartial
	case line == OK || line == FAIL || strings.Contains(line, ERROR):
		return TypeFinal
	default:
		return TypeOther
	}
}

// complete reports whether rsp already holds a final result
func complete(rsp string) bool {
	return strings.Contains(rsp, OK) ||
		strings.Contains(rsp, FAIL) ||
		strings.Contains(rsp, ERROR)
}

// Succeeded reports whether a reply carries OK
func Succeeded(rsp string) bool {
	return strings.Contains(rsp, OK)
}

// valueOf returns the value of the first data line starting with prefix,
// up to the end of that line
func valueOf(rsp, prefix string) (string, bool) {
	i := strings.Index(rsp, prefix)
	if i < 0 {
		return "", false
	}
	v := rsp[i+len(prefix):]
	if end := strings.IndexAny(v, "\r\n"); end >= 0 {
		v = v[:end]
	}
	return v, true
}

// ParseInquiry extracts peer addresses from an AT+INQ reply. Each
// "+INQ:2:72:D2224,3E0104,FFBC" line yields "2,72,D2224", the form the
// PAIR, BIND and LINK commands take. Duplicates are dropped.
func ParseInquiry(rsp string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(rsp, "\n") {
		v, ok := valueOf(line, "+INQ:")
		if !ok {
			continue
		}
		if comma := strings.IndexByte(v, ','); comma >= 0 {
			v = v[:comma]
		}
		addr := strings.ReplaceAll(v, ":", ",")
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}
