package gateway

import (
	"bytes"
	"fmt"
	"strconv"
)

// parserState tracks the incremental parse position: a command line is
// read, then (for set/replace/append/prepend/cas) a fixed-length data
// block, then its trailing CRLF terminator.
type parserState int

const (
	stateAwaitingCommand parserState = iota
	stateReadingValueBlock
	stateAwaitingTerminator
)

// parser is one connection's resumable line/block parser. Feed appends
// newly read bytes and returns every command that became complete; a
// short read (command line or value block not yet fully buffered) simply
// waits for the next Feed call, matching "parse is invoked repeatedly
// until it consumes zero bytes".
type parser struct {
	buf     []byte
	state   parserState
	pending command
	wantLen int
}

func newParser() *parser {
	return &parser{}
}

func (p *parser) feed(data []byte) ([]command, error) {
	p.buf = append(p.buf, data...)

	var out []command
	for {
		switch p.state {
		case stateAwaitingCommand:
			line, ok := p.takeLine()
			if !ok {
				return out, nil
			}
			cmd, vallen, err := parseCommandLine(line)
			if err != nil {
				return out, err
			}
			if vallen < 0 {
				out = append(out, cmd)
				continue
			}
			p.pending = cmd
			p.wantLen = vallen
			p.state = stateReadingValueBlock

		case stateReadingValueBlock:
			if len(p.buf) < p.wantLen {
				return out, nil
			}
			p.pending.value = append([]byte(nil), p.buf[:p.wantLen]...)
			p.buf = p.buf[p.wantLen:]
			p.state = stateAwaitingTerminator

		case stateAwaitingTerminator:
			if len(p.buf) < 2 {
				return out, nil
			}
			if p.buf[0] != '\r' || p.buf[1] != '\n' {
				return out, fmt.Errorf("gateway: bad data chunk terminator")
			}
			p.buf = p.buf[2:]
			out = append(out, p.pending)
			p.pending = command{}
			p.state = stateAwaitingCommand
		}
	}
}

// takeLine removes and returns the next CRLF-terminated line from buf,
// without the terminator. ok is false if no complete line is buffered
// yet.
func (p *parser) takeLine() (line []byte, ok bool) {
	idx := bytes.Index(p.buf, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	line = p.buf[:idx]
	p.buf = p.buf[idx+2:]
	return line, true
}

// parseCommandLine parses one command line. vallen is -1 for commands
// with no following data block (get, delete); otherwise it is the number
// of data bytes the caller must next read.
func parseCommandLine(line []byte) (cmd command, vallen int, err error) {
	tokens := bytes.Fields(line)
	if len(tokens) == 0 {
		return command{}, -1, fmt.Errorf("gateway: empty command line")
	}
	name := string(tokens[0])

	switch name {
	case "get":
		if len(tokens) < 2 {
			return command{}, -1, fmt.Errorf("gateway: get requires at least one key")
		}
		keys := make([]string, 0, len(tokens)-1)
		for _, k := range tokens[1:] {
			keys = append(keys, string(k))
		}
		return command{kind: cmdGet, keys: keys}, -1, nil

	case "delete":
		if len(tokens) < 2 {
			return command{}, -1, fmt.Errorf("gateway: delete requires a key")
		}
		c := command{kind: cmdDelete, key: string(tokens[1])}
		rest := tokens[2:]
		if len(rest) > 0 && string(rest[len(rest)-1]) == "noreply" {
			c.noreply = true
			rest = rest[:len(rest)-1]
		}
		if len(rest) > 0 {
			exptime, perr := strconv.ParseUint(string(rest[0]), 10, 64)
			if perr != nil {
				return command{}, -1, fmt.Errorf("gateway: bad delete exptime: %w", perr)
			}
			c.exptime = exptime
		}
		return c, -1, nil

	case "set", "replace", "append", "prepend", "cas":
		// set/replace/append/prepend: <key> <flags> <exptime> <bytes> [noreply]
		// cas additionally carries a cas_unique token before [noreply];
		// this gateway never honors it but still must consume the data
		// block to keep the stream in sync.
		minTokens := 5
		if name == "cas" {
			minTokens = 6
		}
		if len(tokens) < minTokens {
			return command{}, -1, fmt.Errorf("gateway: %s requires %d tokens", name, minTokens)
		}
		key := string(tokens[1])
		flags, ferr := strconv.ParseUint(string(tokens[2]), 10, 64)
		exptime, eerr := strconv.ParseUint(string(tokens[3]), 10, 64)
		length, lerr := strconv.ParseUint(string(tokens[4]), 10, 64)
		if ferr != nil || eerr != nil || lerr != nil {
			return command{}, -1, fmt.Errorf("gateway: bad %s header", name)
		}
		noreply := len(tokens) > minTokens && string(tokens[len(tokens)-1]) == "noreply"

		kind := cmdSet
		if name != "set" {
			kind = cmdUnsupported
		}
		c := command{kind: kind, key: key, flags: flags, exptime: exptime, noreply: noreply}
		return c, int(length), nil

	default:
		return command{}, -1, fmt.Errorf("gateway: unknown command %q", name)
	}
}
