// Package slotlink multiplexes sixteen small logical slots onto a slotted,
// channel-hopping nRF24 link. A transmitter emits one frame per 20 ms slot
// period, packing eligible slots oldest-first; receivers chase the hop
// schedule, decode frames into per-slot mirrors and push their own slots
// upstream inside ack payloads.
package slotlink

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"slotrf/internal/nrf24"
)

const (
	slotPeriodMs   = 20
	priorityPhases = 16

	// The transmitter hops this many milliseconds before the frame goes
	// out so the radio's PLL settles on the new channel.
	txHopLeadMs = 2

	// A synchronizing receiver dwells this many slot periods (400 ms) on
	// each channel before trying the next.
	syncDwellPeriods = 20

	// A locked receiver falls back to synchronizing after this many
	// consecutive missed slot periods.
	lockMissLimit = 5
)

// ReceiveMode is the receiver's relationship to the transmitter's schedule.
type ReceiveMode uint8

const (
	// ModeSynchronizing scans the channel table for the transmitter.
	ModeSynchronizing ReceiveMode = iota
	// ModeLocked tracks the hop schedule within a narrow timing window.
	ModeLocked
)

func (m ReceiveMode) String() string {
	if m == ModeLocked {
		return "locked"
	}
	return "synchronizing"
}

// Radio is the packet-level surface the engine drives. *nrf24.Radio
// implements it; tests substitute a fake.
type Radio interface {
	Poll()
	PollMillisecond()
	Ready() bool
	SelectRFChannel(channel uint8)
	IsDataReady() bool
	Read(p *nrf24.Packet) bool
	Transmit(p *nrf24.Packet)
	QueueAck(p *nrf24.Packet)
	Status() nrf24.Status
	Error() uint32
	ReadRegister(reg byte, out []byte) byte
	WriteRegister(reg byte, in []byte) byte
}

// Options configures one end of a link.
type Options struct {
	// PTX selects the transmitter role.
	PTX bool
	// ID is the shared 32-bit link identifier; both the on-air address and
	// the hop schedule derive from it.
	ID uint32
	// DataRate in bits per second: 250000, 1000000 or 2000000.
	DataRate int
	// OutputPower in dBm: -18, -12, -6, 0 or 7.
	OutputPower int
	// AutoRetransmitCount is handed to the radio; the slot protocol relies
	// on its own frame cadence rather than hardware retries.
	AutoRetransmitCount int

	// NewRadio builds the radio from the derived options. The default is
	// installed by the caller that owns the hardware.
	NewRadio func(nrf24.Options) Radio

	// StartIndex picks the receiver's initial position in the channel
	// table; nil means uniformly random.
	StartIndex func(n int) int

	// Fatalf is forwarded to the radio driver.
	Fatalf func(format string, args ...any)
}

// Protocol is one endpoint of the slot link. All methods must be called from
// the single poll goroutine.
type Protocol struct {
	opts  Options
	radio Radio

	channels     [NumChannels]uint8
	channelIndex int

	slotTimer     int
	priorityPhase int
	mode          ReceiveMode
	missCount     int

	txSlots  [NumSlots]Slot
	rxSlots  [NumSlots]Slot
	bitfield uint32

	rxPacket  nrf24.Packet
	txPacket  nrf24.Packet
	decodeErr uint32
}

// New prepares an endpoint; Start derives the schedule and brings up the
// radio.
func New(opts Options) (*Protocol, error) {
	if opts.NewRadio == nil {
		return nil, fmt.Errorf("slotlink: NewRadio is required")
	}
	return &Protocol{opts: opts}, nil
}

// Start derives the on-air address and hop schedule from the link id and
// constructs the radio. A transmitter starts at the top of the schedule; a
// receiver starts scanning from a random entry.
func (p *Protocol) Start() {
	p.channels = channelTable(p.opts.ID)
	p.channelIndex = 0
	p.slotTimer = slotPeriodMs
	p.priorityPhase = 0
	p.mode = ModeSynchronizing
	p.missCount = 0
	p.bitfield = 0
	p.decodeErr = 0

	if !p.opts.PTX {
		pick := p.opts.StartIndex
		if pick == nil {
			pick = rand.IntN
		}
		p.channelIndex = pick(NumChannels) % NumChannels
	}

	p.radio = p.opts.NewRadio(nrf24.Options{
		PTX:                       p.opts.PTX,
		AddressLength:             5,
		ID:                        ShockburstAddress(p.opts.ID),
		DynamicPayloadLength:      true,
		EnableCRC:                 true,
		CRCLength:                 2,
		AutoRetransmitCount:       p.opts.AutoRetransmitCount,
		AutoRetransmitDelayMicros: 1000,
		AutomaticAcknowledgment:   true,
		InitialChannel:            p.channels[p.channelIndex],
		DataRate:                  p.opts.DataRate,
		OutputPower:               p.opts.OutputPower,
		Fatalf:                    p.opts.Fatalf,
	})
}

// Poll services the radio and decodes any received frame. Reception of any
// frame, even an empty one, re-arms the receiver's slot timer and locks it
// onto the schedule.
func (p *Protocol) Poll() {
	p.radio.Poll()

	if !p.radio.IsDataReady() {
		return
	}
	p.radio.Read(&p.rxPacket)

	if !p.opts.PTX {
		p.mode = ModeLocked
		p.slotTimer = slotPeriodMs
		p.missCount = 0
	}

	for i := range p.rxSlots {
		p.rxSlots[i].Age++
	}
	p.parsePacket()
}

// PollMillisecond advances the slot schedule by one millisecond. Nothing
// runs until the radio has reached standby.
func (p *Protocol) PollMillisecond() {
	p.radio.PollMillisecond()
	if !p.radio.Ready() {
		return
	}

	p.slotTimer--

	if p.opts.PTX {
		switch p.slotTimer {
		case 0:
			p.transmitCycle()
			p.slotTimer = slotPeriodMs
		case txHopLeadMs:
			p.switchChannel()
		}
		return
	}

	switch {
	case p.slotTimer == 0:
		p.slotTimer = slotPeriodMs
		p.missCount++
		if p.mode == ModeSynchronizing {
			if p.missCount >= syncDwellPeriods {
				p.switchChannel()
				p.missCount = 0
			}
		} else if p.missCount >= lockMissLimit {
			p.mode = ModeSynchronizing
			p.missCount = 0
		}
	case p.slotTimer == slotPeriodMs/2 && p.mode == ModeLocked:
		// Hop halfway through the window so the PLL is settled when the
		// next frame arrives, and queue our reply for its ack.
		p.switchChannel()
		p.replyCycle()
	}
}

// SetTxSlot installs a slot definition, effective on the next frame tick.
func (p *Protocol) SetTxSlot(index int, s Slot) error {
	if index < 0 || index >= NumSlots {
		return fmt.Errorf("slot index %d out of range", index)
	}
	if s.Size > MaxSlotPayload {
		return fmt.Errorf("slot size %d exceeds %d", s.Size, MaxSlotPayload)
	}
	p.txSlots[index] = s
	return nil
}

// TxSlot returns the current definition of a transmit slot.
func (p *Protocol) TxSlot(index int) Slot {
	return p.txSlots[index]
}

// RxSlot returns the last received contents of a slot.
func (p *Protocol) RxSlot(index int) Slot {
	return p.rxSlots[index]
}

// SlotBitfield packs a 2-bit update counter per slot; observers diff it
// against a snapshot to learn which slots changed.
func (p *Protocol) SlotBitfield() uint32 {
	return p.bitfield
}

// Channel returns the channel number currently scheduled.
func (p *Protocol) Channel() uint8 {
	return p.channels[p.channelIndex]
}

// ChannelTable returns a copy of the hop schedule.
func (p *Protocol) ChannelTable() []uint8 {
	table := make([]uint8, NumChannels)
	copy(table, p.channels[:])
	return table
}

// Mode reports the receiver's lock state.
func (p *Protocol) Mode() ReceiveMode {
	return p.mode
}

// Error returns the accumulated transient error flags: the radio's RX
// overflow plus the frame decode error.
func (p *Protocol) Error() uint32 {
	return p.radio.Error() | p.decodeErr
}

// Radio exposes the owned driver for the raw debug console.
func (p *Protocol) Radio() Radio {
	return p.radio
}

func (p *Protocol) switchChannel() {
	p.channelIndex = (p.channelIndex + 1) % NumChannels
	p.radio.SelectRFChannel(p.channels[p.channelIndex])
}

func (p *Protocol) transmitCycle() {
	p.prepareTxPacket()
	// Even an empty frame goes out: it carries the timing reference and
	// gives the receiver its chance to reply in the ack.
	p.radio.Transmit(&p.txPacket)
}

func (p *Protocol) replyCycle() {
	p.prepareTxPacket()
	p.radio.QueueAck(&p.txPacket)
}

// prepareTxPacket builds the next frame: age all slots, take those whose
// priority mask covers the current phase, and pack them oldest-first while
// they fit.
func (p *Protocol) prepareTxPacket() {
	for i := range p.txSlots {
		p.txSlots[i].Age++
	}

	mask := uint32(1) << p.priorityPhase
	enabled := make([]int, 0, NumSlots)
	for i := range p.txSlots {
		if p.txSlots[i].Priority&mask != 0 {
			enabled = append(enabled, i)
		}
	}
	// Oldest first; equal ages stay in index order.
	sort.SliceStable(enabled, func(a, b int) bool {
		return p.txSlots[enabled[a]].Age > p.txSlots[enabled[b]].Age
	})

	frame := p.txPacket.Data[:0]
	for _, index := range enabled {
		s := &p.txSlots[index]
		if int(s.Size)+1 < nrf24.MaxPacketSize-len(frame) {
			frame = appendSlot(frame, index, s)
			s.Age = 0
		}
	}
	p.txPacket.Size = len(frame)

	p.priorityPhase = (p.priorityPhase + 1) % priorityPhases
}

// parsePacket decodes the received frame into the slot mirrors, stepping
// each updated slot's 2-bit counter in the bitfield.
func (p *Protocol) parsePacket() {
	err := parseFrame(p.rxPacket.Bytes(), func(index int, payload []byte) {
		s := &p.rxSlots[index]
		s.Age = 0
		s.Size = uint8(len(payload))
		copy(s.Data[:], payload)

		shift := uint(index * 2)
		count := (p.bitfield >> shift) & 0x3
		count = (count + 1) % 4
		p.bitfield = (p.bitfield &^ (0x3 << shift)) | (count << shift)
	})
	if err != nil {
		p.decodeErr |= ErrMalformedFrame
	}
}
