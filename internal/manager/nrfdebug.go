package manager

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"slotrf/internal/nrf24"
)

// handleNrf serves the raw transceiver debug verbs. They bypass the slot
// protocol and poke the driver directly, so they are only safe on a bench.
func (m *Manager) handleNrf(args string, respond func(string)) {
	verb, rest, _ := strings.Cut(args, " ")
	switch verb {
	case "tx":
		m.handleNrfTx(rest, respond, false)
	case "ack":
		m.handleNrfTx(rest, respond, true)
	case "stat":
		status := m.proto.Radio().Status()
		respond(fmt.Sprintf("OK s=%02X r=%d", status.Reg, status.RetransmitExceeded))
	case "r":
		m.handleNrfRead(rest, respond)
	case "w":
		m.handleNrfWrite(rest, respond)
	default:
		respond("ERR unknown command")
	}
}

func (m *Manager) handleNrfTx(args string, respond func(string), ack bool) {
	var packet nrf24.Packet
	if !parsePacket(strings.TrimSpace(args), &packet, respond) {
		return
	}
	if ack {
		m.proto.Radio().QueueAck(&packet)
	} else {
		m.proto.Radio().Transmit(&packet)
	}
	respond("OK")
}

func (m *Manager) handleNrfRead(args string, respond func(string)) {
	fields := strings.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		respond("ERR invalid arguments")
		return
	}

	reg, ok := parseRegister(fields[0])
	if !ok {
		respond("ERR invalid register")
		return
	}
	length := 1
	if len(fields) == 2 {
		v, err := strconv.Atoi(fields[1])
		if err != nil || v < 1 || v > nrf24.MaxPacketSize {
			respond("ERR invalid length")
			return
		}
		length = v
	}

	buf := make([]byte, length)
	m.proto.Radio().ReadRegister(reg, buf)
	respond("OK " + strings.ToUpper(hex.EncodeToString(buf)))
}

func (m *Manager) handleNrfWrite(args string, respond func(string)) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		respond("ERR invalid arguments")
		return
	}

	reg, ok := parseRegister(fields[0])
	if !ok {
		respond("ERR invalid register")
		return
	}
	if len(fields[1])%2 != 0 {
		respond("ERR data invalid length")
		return
	}
	data, err := hex.DecodeString(fields[1])
	if err != nil {
		respond("ERR invalid data")
		return
	}

	m.proto.Radio().WriteRegister(reg, data)
	respond("OK")
}

func parsePacket(hexdata string, packet *nrf24.Packet, respond func(string)) bool {
	if len(hexdata)%2 != 0 {
		respond("ERR data invalid length")
		return false
	}
	data, err := hex.DecodeString(hexdata)
	if err != nil {
		respond("ERR invalid data")
		return false
	}
	if len(data) > nrf24.MaxPacketSize {
		respond("ERR data too long")
		return false
	}
	packet.Size = len(data)
	copy(packet.Data[:], data)
	return true
}

func parseRegister(s string) (byte, bool) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
