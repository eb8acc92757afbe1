// Package manager binds the slot protocol engine to the console, the event
// bus and the persisted configuration: it translates console verbs into slot
// updates, reports received traffic, and owns the transmit watchdog.
package manager

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"slotrf/internal/bus"
	"slotrf/internal/config"
	"slotrf/internal/console"
	"slotrf/internal/nrf24"
	"slotrf/internal/slotlink"
)

// Emitter writes asynchronous report lines; it drops lines while a previous
// write is outstanding. *console.Console implements it.
type Emitter interface {
	TryEmit(line string) bool
}

// Options wires the manager's collaborators.
type Options struct {
	Logger  *slog.Logger
	Bus     bus.MessageBus
	Emitter Emitter

	Config     config.AppConfig
	ConfigPath string

	// NewRadio binds the protocol engine to hardware (or a fake).
	NewRadio func(nrf24.Options) slotlink.Radio
	// StartIndex overrides the receiver's random scan start; nil for
	// production behavior.
	StartIndex func(n int) int
	Fatalf     func(format string, args ...any)
}

// Manager owns one protocol engine and rebuilds it whenever the radio
// configuration changes.
type Manager struct {
	logger  *slog.Logger
	b       bus.MessageBus
	emitter Emitter

	cfg     config.AppConfig
	cfgPath string

	newRadio   func(nrf24.Options) slotlink.Radio
	startIndex func(n int) int
	fatalf     func(format string, args ...any)

	proto *slotlink.Protocol

	// priorities survive watchdog silencing and engine restarts, so a tx
	// after either picks its old mask back up.
	priorities [slotlink.NumSlots]uint32

	lastBitfield uint32
	lastChannel  uint8
	lastError    uint32

	timeoutRemaining int
}

func New(opts Options) *Manager {
	m := &Manager{
		logger:     opts.Logger,
		b:          opts.Bus,
		emitter:    opts.Emitter,
		cfg:        opts.Config,
		cfgPath:    opts.ConfigPath,
		newRadio:   opts.NewRadio,
		startIndex: opts.StartIndex,
		fatalf:     opts.Fatalf,
	}
	// Every slot defaults to sending whenever there is room.
	for i := range m.priorities {
		m.priorities[i] = 0xFFFFFFFF
	}
	return m
}

// Start brings up the protocol engine from the current configuration.
func (m *Manager) Start() error {
	return m.restart()
}

// Register installs the console verbs.
func (m *Manager) Register(c *console.Console) {
	c.Register("slot", m.handleSlot)
	c.Register("conf", m.handleConf)
	c.Register("nrf", m.handleNrf)
}

// Poll services the engine and reports received traffic.
func (m *Manager) Poll() {
	m.proto.Poll()

	current := m.proto.SlotBitfield()
	if current != m.lastBitfield {
		m.reportSlots(current ^ m.lastBitfield)
	}
	m.lastBitfield = current

	channel := m.proto.Channel()
	if channel != m.lastChannel {
		m.b.Publish(bus.TopicChannel, bus.ChannelChange{Channel: channel, At: time.Now()})
		if m.cfg.Radio.PrintChannels {
			m.emitter.TryEmit(fmt.Sprintf("chan %d", channel))
		}
	}
	m.lastChannel = channel

	if e := m.proto.Error(); e != m.lastError {
		m.b.Publish(bus.TopicLinkError, bus.LinkError{Flags: e, At: time.Now()})
		m.lastError = e
	}
}

// PollMillisecond runs the transmit watchdog and advances the engine.
func (m *Manager) PollMillisecond() {
	if m.timeoutRemaining > 0 {
		m.timeoutRemaining--
		if m.timeoutRemaining == 0 && m.cfg.Radio.TransmitTimeoutMs != 0 {
			m.logger.Warn("transmit timeout expired, silencing all slots")
			m.disableTransmit()
		}
	}
	m.proto.PollMillisecond()
}

// Protocol exposes the engine for the main loop's diagnostics.
func (m *Manager) Protocol() *slotlink.Protocol {
	return m.proto
}

func (m *Manager) restart() error {
	proto, err := slotlink.New(slotlink.Options{
		PTX:                 m.cfg.Radio.PTX,
		ID:                  m.cfg.Radio.ID,
		DataRate:            m.cfg.Radio.DataRate,
		OutputPower:         m.cfg.Radio.OutputPower,
		AutoRetransmitCount: m.cfg.Radio.AutoRetransmitCount,
		NewRadio:            m.newRadio,
		StartIndex:          m.startIndex,
		Fatalf:              m.fatalf,
	})
	if err != nil {
		return fmt.Errorf("build protocol: %w", err)
	}
	proto.Start()

	m.proto = proto
	m.lastBitfield = 0
	m.lastChannel = 0
	m.lastError = 0
	m.timeoutRemaining = 0

	m.logger.Info("slot link started",
		"ptx", m.cfg.Radio.PTX,
		"id", fmt.Sprintf("%08x", m.cfg.Radio.ID),
		"data_rate", m.cfg.Radio.DataRate,
		"channel", m.proto.Channel())
	return nil
}

func (m *Manager) reportSlots(changed uint32) {
	now := time.Now()
	var sb strings.Builder
	sb.WriteString("rcv")

	for i := 0; i < slotlink.NumSlots; i++ {
		mask := uint32(0x3) << (i * 2)
		if changed&mask == 0 {
			continue
		}
		slot := m.proto.RxSlot(i)
		data := append([]byte(nil), slot.Data[:slot.Size]...)
		fmt.Fprintf(&sb, " %d:%s", i, strings.ToUpper(hex.EncodeToString(data)))

		m.b.Publish(bus.TopicSlotUpdate, bus.SlotUpdate{
			SlotIndex:  i,
			Data:       data,
			ReceivedAt: now,
		})
	}

	if e := m.proto.Error(); e != 0 {
		fmt.Fprintf(&sb, " E%X", e)
	}
	m.emitter.TryEmit(sb.String())
}

func (m *Manager) disableTransmit() {
	for i := 0; i < slotlink.NumSlots; i++ {
		slot := m.proto.TxSlot(i)
		slot.Priority = 0
		if err := m.proto.SetTxSlot(i, slot); err != nil {
			m.logger.Error("silence slot", "slot", i, "error", err)
		}
	}
}

func (m *Manager) handleSlot(args string, respond func(string)) {
	verb, rest, _ := strings.Cut(args, " ")
	switch verb {
	case "tx":
		m.handleTx(rest, respond)
	case "pri":
		m.handlePri(rest, respond)
	default:
		respond("ERR unknown command")
	}
}

func (m *Manager) handleTx(args string, respond func(string)) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		respond("ERR data invalid length")
		return
	}

	index, ok := parseSlotIndex(fields[0])
	if !ok {
		respond("ERR invalid slot")
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
	if len(data) > slotlink.MaxSlotPayload {
		respond("ERR data too long")
		return
	}

	slot := slotlink.Slot{
		Priority: m.priorities[index],
		Size:     uint8(len(data)),
	}
	copy(slot.Data[:], data)
	if err := m.proto.SetTxSlot(index, slot); err != nil {
		respond("ERR " + err.Error())
		return
	}

	m.timeoutRemaining = m.cfg.Radio.TransmitTimeoutMs
	respond("OK")
}

func (m *Manager) handlePri(args string, respond func(string)) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		respond("ERR invalid priority")
		return
	}

	index, ok := parseSlotIndex(fields[0])
	if !ok {
		respond("ERR invalid slot")
		return
	}
	priority, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		respond("ERR invalid priority")
		return
	}

	m.priorities[index] = uint32(priority)

	slot := m.proto.TxSlot(index)
	slot.Priority = uint32(priority)
	if err := m.proto.SetTxSlot(index, slot); err != nil {
		respond("ERR " + err.Error())
		return
	}
	respond("OK")
}

func (m *Manager) handleConf(args string, respond func(string)) {
	verb, rest, _ := strings.Cut(args, " ")
	switch verb {
	case "get":
		m.handleConfGet(strings.TrimSpace(rest), respond)
	case "set":
		m.handleConfSet(rest, respond)
	case "write":
		if err := config.Save(m.cfgPath, m.cfg); err != nil {
			respond("ERR " + err.Error())
			return
		}
		respond("OK")
	case "load":
		cfg, err := config.Load(m.cfgPath)
		if err != nil {
			respond("ERR " + err.Error())
			return
		}
		m.cfg = cfg
		if err := m.restart(); err != nil {
			respond("ERR " + err.Error())
			return
		}
		respond("OK")
	default:
		respond("ERR unknown command")
	}
}

func (m *Manager) handleConfGet(key string, respond func(string)) {
	if key == "" {
		for _, k := range config.SlotKeys() {
			value, err := m.cfg.GetSlot(k)
			if err != nil {
				respond("ERR " + err.Error())
				return
			}
			respond(fmt.Sprintf("slot.%s %s", k, value))
		}
		respond("OK")
		return
	}

	value, err := m.cfg.GetSlot(strings.TrimPrefix(key, "slot."))
	if err != nil {
		respond("ERR " + err.Error())
		return
	}
	respond("OK " + value)
}

func (m *Manager) handleConfSet(args string, respond func(string)) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		respond("ERR invalid arguments")
		return
	}

	next := m.cfg
	if err := next.SetSlot(strings.TrimPrefix(fields[0], "slot."), fields[1]); err != nil {
		respond("ERR " + err.Error())
		return
	}
	if err := next.Validate(); err != nil {
		respond("ERR " + err.Error())
		return
	}

	m.cfg = next
	// Any slot namespace change reconfigures the chip, which means a full
	// engine rebuild.
	if err := m.restart(); err != nil {
		respond("ERR " + err.Error())
		return
	}
	respond("OK")
}

func parseSlotIndex(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > slotlink.NumSlots-1 {
		v = slotlink.NumSlots - 1
	}
	return v, true
}
