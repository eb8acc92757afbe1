// Package nrf24 drives a single nRF24L01+ transceiver over SPI plus the CS,
// CE and IRQ lines. It owns the chip's power-on/configure lifecycle and
// exposes a packet-oriented transmit/receive surface on top of Enhanced
// ShockBurst.
package nrf24

import (
	"bytes"
	"fmt"

	"slotrf/internal/hw"
)

// MaxPacketSize is the chip's payload limit per on-air packet.
const MaxPacketSize = 32

// ErrRxOverflow is set in Error when a packet arrived before the previous
// one was consumed. The newest packet wins.
const ErrRxOverflow uint32 = 1 << 0

// Packet is one radio payload, shared between the TX and RX paths.
type Packet struct {
	Size int
	Data [MaxPacketSize]byte
}

// Bytes returns the valid portion of the payload.
func (p *Packet) Bytes() []byte {
	return p.Data[:p.Size]
}

// Options fixes the radio configuration. Once PollMillisecond has begun
// driving the configure sequence the options must not change; build a new
// Radio to reconfigure.
type Options struct {
	// PTX selects the primary-transmitter role; false is primary receiver.
	PTX bool
	// AddressLength is the on-air address length in bytes, one of 3, 4, 5.
	AddressLength int
	// ID is the on-air address, little-endian on the wire.
	ID uint64
	DynamicPayloadLength bool
	EnableCRC            bool
	// CRCLength is 1 or 2 bytes.
	CRCLength int
	// AutoRetransmitCount is the hardware retry limit, 0..15.
	AutoRetransmitCount int
	// AutoRetransmitDelayMicros is quantized to 250 us units, 0..15.
	AutoRetransmitDelayMicros int
	AutomaticAcknowledgment   bool
	InitialChannel            uint8
	// DataRate is one of 250000, 1000000, 2000000 bits per second.
	DataRate int
	// OutputPower is one of -18, -12, -6, 0, +7 dBm.
	OutputPower int

	// Fatalf handles unrecoverable conditions: register verify mismatch,
	// unsupported option values, commanding the chip before Standby, or a
	// failed bus transfer. It must not return. Defaults to panic.
	Fatalf func(format string, args ...any)
}

type configureState int

const (
	statePowerOnReset configureState = iota
	stateEnteringStandby
	stateStandby
)

// Radio owns one transceiver.
type Radio struct {
	clock hw.Clock
	opts  Options
	spi   hw.SPI
	cs    hw.OutputPin
	ce    hw.OutputPin
	irq   hw.InputPin

	fatalf func(format string, args ...any)

	state          configureState
	enteredStandby uint32

	rxPacket           Packet
	dataReady          bool
	rxOverflow         bool
	retransmitExceeded uint32

	wbuf [1 + MaxPacketSize]byte
	rbuf [1 + MaxPacketSize]byte
}

// Status is a raw snapshot for the debug console.
type Status struct {
	Reg                byte
	RetransmitExceeded uint32
}

// New constructs a Radio in the PowerOnReset state and drives CE low. No SPI
// traffic happens until PollMillisecond advances the configure sequence.
func New(clock hw.Clock, spi hw.SPI, cs, ce hw.OutputPin, irq hw.InputPin, opts Options) *Radio {
	fatalf := opts.Fatalf
	if fatalf == nil {
		fatalf = func(format string, args ...any) {
			panic("nrf24: " + fmt.Sprintf(format, args...))
		}
	}
	r := &Radio{
		clock:  clock,
		opts:   opts,
		spi:    spi,
		cs:     cs,
		ce:     ce,
		irq:    irq,
		fatalf: fatalf,
		state:  statePowerOnReset,
	}
	r.setPin(r.cs, true)
	r.setPin(r.ce, false)
	return r
}

// Ready reports whether the chip has reached Standby and may be commanded.
func (r *Radio) Ready() bool {
	return r.state == stateStandby
}

// Poll services the level-triggered IRQ line. It is a no-op while IRQ is
// high and idempotent otherwise.
func (r *Radio) Poll() {
	high, err := r.irq.Read()
	if err != nil {
		r.fatalf("read irq line: %v", err)
		return
	}
	if high {
		return
	}

	status := r.command(cmdNop, nil, nil)

	// An ack payload delivery on a transmitter latches TX_DS rather than
	// RX_DR, so both conditions drain the RX FIFO.
	if status&statusRxDR != 0 ||
		(status&statusTxDS != 0 && r.opts.AutomaticAcknowledgment && r.opts.PTX) {
		var width [1]byte
		r.command(cmdReadRxPayloadWidth, nil, width[:])

		size := int(width[0])
		if size > MaxPacketSize {
			size = MaxPacketSize
		}
		r.rxPacket.Size = size
		if size > 0 {
			r.command(cmdReadRxPayload, nil, r.rxPacket.Data[:size])
		}

		if r.dataReady {
			r.rxOverflow = true
		}
		r.dataReady = true
	}

	if status&statusMaxRT != 0 {
		r.retransmitExceeded++
		r.command(cmdFlushTx, nil, nil)
	}

	if pending := status & statusIRQMask; pending != 0 {
		r.writeRegister(regStatus, []byte{pending})
	}
}

// PollMillisecond advances the power-on/configure state machine. The chip
// needs 100 ms from power-up before it accepts SPI, then 1.5 ms to settle
// into standby after PWR_UP is set.
func (r *Radio) PollMillisecond() {
	now := r.clock.NowMillis()

	switch r.state {
	case statePowerOnReset:
		r.setPin(r.ce, false)
		// Absolute: power on reset only ever happens once per boot.
		if now < 150 {
			return
		}
		r.writeRegister(regConfig, []byte{r.configByte()})
		r.state = stateEnteringStandby
		r.enteredStandby = now
	case stateEnteringStandby:
		if now-r.enteredStandby < 2 {
			return
		}
		r.configure()
		r.state = stateStandby
	case stateStandby:
	}
}

// SelectRFChannel programs and read-verifies the RF channel, 0..124.
func (r *Radio) SelectRFChannel(channel uint8) {
	r.requireReady("select rf channel")
	r.selectRFChannel(channel)
}

// IsDataReady reports whether a received packet is latched and unread.
func (r *Radio) IsDataReady() bool {
	return r.dataReady
}

// Read moves the latched packet into p and clears the ready flag. It returns
// false, with p zero-sized, when nothing is pending.
func (r *Radio) Read(p *Packet) bool {
	if !r.dataReady {
		p.Size = 0
		return false
	}
	*p = r.rxPacket
	r.dataReady = false
	return true
}

// Transmit loads p into the TX FIFO and strobes CE to start the burst. Only
// valid for a primary transmitter.
func (r *Radio) Transmit(p *Packet) {
	r.requireReady("transmit")
	if !r.opts.PTX {
		r.fatalf("transmit on a primary receiver")
		return
	}
	r.command(cmdWriteTxPayload, p.Bytes(), nil)

	r.setPin(r.ce, true)
	r.clock.SleepMicros(10)
	r.setPin(r.ce, false)
}

// QueueAck loads p into the ACK payload FIFO for pipe 0.
func (r *Radio) QueueAck(p *Packet) {
	r.requireReady("queue ack")
	r.command(cmdWriteAckPayload, p.Bytes(), nil)
}

// Status returns the live status register and the retransmit-exhausted
// counter.
func (r *Radio) Status() Status {
	r.requireReady("read status")
	return Status{
		Reg:                r.command(cmdNop, nil, nil),
		RetransmitExceeded: r.retransmitExceeded,
	}
}

// Error returns the accumulated transient error flags.
func (r *Radio) Error() uint32 {
	var e uint32
	if r.rxOverflow {
		e |= ErrRxOverflow
	}
	return e
}

// ReadRegister exposes raw register reads for the debug console.
func (r *Radio) ReadRegister(reg byte, out []byte) byte {
	r.requireReady("read register")
	return r.command(cmdReadRegister+reg, nil, out)
}

// WriteRegister exposes raw register writes for the debug console.
func (r *Radio) WriteRegister(reg byte, in []byte) byte {
	r.requireReady("write register")
	return r.command(cmdWriteRegister+reg, in, nil)
}

func (r *Radio) requireReady(op string) {
	if r.state != stateStandby {
		r.fatalf("%s before standby", op)
	}
}

// command runs one SPI transaction: CS low, the command byte clocked out
// while STATUS clocks back, then max(len(in), len(out)) data bytes. Input is
// zero-padded when out is longer; returned bytes beyond len(out) are
// discarded.
func (r *Radio) command(cmd byte, in, out []byte) byte {
	n := len(in)
	if len(out) > n {
		n = len(out)
	}

	w := r.wbuf[: 1+n : 1+n]
	w[0] = cmd
	copy(w[1:], in)
	for i := 1 + len(in); i < len(w); i++ {
		w[i] = 0
	}
	rd := r.rbuf[: 1+n : 1+n]

	r.setPin(r.cs, false)
	// The chip wants 38 ns of CS setup before the first clock edge.
	r.clock.SleepMicros(1)
	if err := r.spi.Transfer(w, rd); err != nil {
		r.fatalf("spi transfer: %v", err)
	}
	r.setPin(r.cs, true)

	copy(out, rd[1:])
	return rd[0]
}

func (r *Radio) writeRegister(reg byte, data []byte) byte {
	return r.command(cmdWriteRegister+reg, data, nil)
}

func (r *Radio) readRegister(reg byte, out []byte) byte {
	return r.command(cmdReadRegister+reg, nil, out)
}

// verifyRegister writes data and reads it back; a mismatch means the chip is
// absent or wedged and halts the system.
func (r *Radio) verifyRegister(reg byte, data []byte) {
	r.writeRegister(reg, data)
	back := make([]byte, len(data))
	r.readRegister(reg, back)
	if !bytes.Equal(data, back) {
		r.fatalf("register %#02x verify failed: wrote %x read %x", reg, data, back)
	}
}

func (r *Radio) verifyRegisterByte(reg, value byte) {
	r.verifyRegister(reg, []byte{value})
}

func (r *Radio) selectRFChannel(channel uint8) {
	r.verifyRegisterByte(regRFCh, channel&0x7f)
}

// configure runs the full register setup once the chip has settled into
// standby. Every write is read-verified.
func (r *Radio) configure() {
	r.verifyRegisterByte(regConfig, r.configByte())

	if r.opts.AutomaticAcknowledgment {
		r.verifyRegisterByte(regEnAA, 0x01)
	} else {
		r.verifyRegisterByte(regEnAA, 0x00)
	}
	r.verifyRegisterByte(regEnRxAddr, 0x01) // pipe 0 only

	aw, ok := addressWidthCode[r.opts.AddressLength]
	if !ok {
		r.fatalf("unsupported address length %d", r.opts.AddressLength)
		return
	}
	r.verifyRegisterByte(regSetupAW, aw)

	r.verifyRegisterByte(regSetupRetr,
		byte(clamp(r.opts.AutoRetransmitDelayMicros/250, 0, 15))<<4|
			byte(clamp(r.opts.AutoRetransmitCount, 0, 15)))

	r.selectRFChannel(r.opts.InitialChannel)

	rate, ok := dataRateBits[r.opts.DataRate]
	if !ok {
		r.fatalf("unsupported data rate %d", r.opts.DataRate)
		return
	}
	power, ok := outputPowerBits[r.opts.OutputPower]
	if !ok {
		r.fatalf("unsupported output power %d", r.opts.OutputPower)
		return
	}
	r.verifyRegisterByte(regRFSetup, rate|power)

	addr := make([]byte, r.opts.AddressLength)
	for i := range addr {
		addr[i] = byte(r.opts.ID >> (8 * i))
	}
	r.verifyRegister(regRxAddrP0, addr)
	r.verifyRegister(regTxAddr, addr)

	dynpd := byte(0)
	if r.opts.DynamicPayloadLength || r.opts.AutomaticAcknowledgment {
		dynpd = 0x01
	}
	r.verifyRegisterByte(regDynPD, dynpd)

	feature := byte(0)
	if r.opts.DynamicPayloadLength || r.opts.AutomaticAcknowledgment {
		feature |= featureEnDPL
	}
	if r.opts.AutomaticAcknowledgment {
		feature |= featureEnAckPay | featureEnDynAck
	}
	r.verifyRegisterByte(regFeature, feature)

	// A primary receiver listens continuously; a transmitter strobes CE per
	// packet instead.
	if !r.opts.PTX {
		r.setPin(r.ce, true)
	}
}

func (r *Radio) configByte() byte {
	var cfg byte = configPwrUp
	if r.opts.EnableCRC {
		cfg |= configEnCRC
	}
	if r.opts.CRCLength == 2 {
		cfg |= configCRCO
	}
	if !r.opts.PTX {
		cfg |= configPrimRx
	}
	return cfg
}

func (r *Radio) setPin(p hw.OutputPin, high bool) {
	if err := p.Set(high); err != nil {
		r.fatalf("set gpio line: %v", err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
