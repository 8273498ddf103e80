package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"github.com/1ureka/tcphub/internal/hub"
	"github.com/1ureka/tcphub/internal/protocol"
)

// lineEncoder turns one input line into a packet.
type lineEncoder struct {
	codec           protocol.Codec
	magic           string
	protocolVersion int32
	serverVersion   int32
}

// encode builds a raw packet carrying the line plus a newline, or parses a
// framed line of the form "<command> [json body]".
func (e *lineEncoder) encode(line string, raw bool) (*protocol.Packet, error) {
	if raw {
		return protocol.NewRaw([]byte(line+"\n"), protocol.AlgorithmNone), nil
	}

	line = strings.TrimSpace(line)
	head, rest, _ := strings.Cut(line, " ")
	command, err := strconv.ParseInt(head, 10, 32)
	if err != nil {
		return nil, errors.Errorf("expected \"<command> [json body]\", got %q", line)
	}

	var body interface{}
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &body); err != nil {
			return nil, errors.Wrap(err, "invalid json body")
		}
	}

	return protocol.NewPacket(e.codec, e.magic, int32(command), body,
		e.protocolVersion, e.serverVersion, protocol.AlgorithmNone)
}

// printer writes drained events to the terminal. It ends the session when
// the socket it watches disconnects.
type printer struct {
	tag   int
	codec protocol.Codec
	done  func()
}

func (p *printer) Dispatch(e hub.Event) {
	switch e.Kind {
	case hub.Connected:
		pterm.Success.Printfln("[%d] connected to %s:%d", e.Tag(), e.Socket.Host(), e.Socket.Port())
	case hub.PacketReceived:
		pterm.Println(formatPacket(e.Tag(), e.Packet, p.codec))
	case hub.Disconnected:
		if e.Err != nil {
			pterm.Warning.Printfln("[%d] disconnected: %v", e.Tag(), e.Err)
		} else {
			pterm.Warning.Printfln("[%d] disconnected", e.Tag())
		}
		if e.Tag() == p.tag && p.done != nil {
			p.done()
		}
	}
}

// formatPacket renders a received packet on one line. Framed bodies are
// decoded with codec and printed as JSON when possible.
func formatPacket(tag int, pkt *protocol.Packet, codec protocol.Codec) string {
	if pkt.Raw() {
		return fmt.Sprintf("[%d] %s", tag, strings.TrimRight(string(pkt.Body()), "\r\n"))
	}

	body := string(pkt.Body())
	var v interface{}
	if err := pkt.Decode(codec, &v); err == nil {
		if text, err := json.Marshal(normalize(v)); err == nil {
			body = string(text)
		}
	}
	return fmt.Sprintf("[%d] %s cmd=%d %s", tag, pkt.Magic(), pkt.Command(), body)
}

// normalize converts the map[interface{}]interface{} values msgpack
// produces into something encoding/json accepts.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}
