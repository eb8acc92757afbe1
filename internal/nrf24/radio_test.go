package nrf24

import (
	"strings"
	"testing"

	"slotrf/internal/hw"
)

// simPin records output levels and transitions.
type simPin struct {
	high    bool
	history []bool
}

func (p *simPin) Set(high bool) error {
	if high != p.high {
		p.history = append(p.history, high)
	}
	p.high = high
	return nil
}

func (p *simPin) Close() error { return nil }

// simIRQ is a readable input level.
type simIRQ struct {
	high bool
}

func (p *simIRQ) Read() (bool, error) { return p.high, nil }
func (p *simIRQ) Close() error        { return nil }

// simChip models just enough of the transceiver's SPI surface for the driver:
// single-byte registers, the two 5-byte address registers, payload FIFO
// commands and the status byte returned on every transaction.
type simChip struct {
	t *testing.T

	cs *simPin

	status byte
	regs   map[byte][]byte

	rxWidth   byte
	rxPayload []byte

	txPayloads  [][]byte
	ackPayloads [][]byte
	txFlushes   int
}

func newSimChip(t *testing.T, cs *simPin) *simChip {
	return &simChip{t: t, cs: cs, regs: map[byte][]byte{}}
}

func (c *simChip) Transfer(w, r []byte) error {
	if c.cs.high {
		c.t.Fatalf("spi transfer without chip select asserted")
	}
	if len(w) != len(r) {
		c.t.Fatalf("unbalanced transfer: w=%d r=%d", len(w), len(r))
	}

	r[0] = c.status
	cmd := w[0]
	switch {
	case cmd == cmdNop:
	case cmd == cmdReadRxPayloadWidth:
		if len(r) > 1 {
			r[1] = c.rxWidth
		}
	case cmd == cmdReadRxPayload:
		copy(r[1:], c.rxPayload)
	case cmd == cmdWriteTxPayload:
		c.txPayloads = append(c.txPayloads, append([]byte(nil), w[1:]...))
	case cmd == cmdWriteAckPayload:
		c.ackPayloads = append(c.ackPayloads, append([]byte(nil), w[1:]...))
	case cmd == cmdFlushTx:
		c.txFlushes++
	case cmd >= cmdWriteRegister && cmd < cmdWriteRegister+0x20:
		reg := cmd - cmdWriteRegister
		if reg == regStatus {
			// Latched bits are cleared by writing ones.
			c.status &^= w[1] & statusIRQMask
			return nil
		}
		c.regs[reg] = append([]byte(nil), w[1:]...)
	case cmd < 0x20:
		copy(r[1:], c.regs[cmd])
	default:
		c.t.Fatalf("unexpected spi command %#02x", cmd)
	}
	return nil
}

func (c *simChip) Close() error { return nil }

func (c *simChip) reg(t *testing.T, reg byte) byte {
	t.Helper()
	v, ok := c.regs[reg]
	if !ok || len(v) == 0 {
		t.Fatalf("register %#02x never written", reg)
	}
	return v[0]
}

type simRadio struct {
	clock *hw.ManualClock
	chip  *simChip
	cs    *simPin
	ce    *simPin
	irq   *simIRQ
	radio *Radio
}

func newSimRadio(t *testing.T, opts Options) *simRadio {
	t.Helper()
	s := &simRadio{
		clock: hw.NewManualClock(),
		cs:    &simPin{high: true},
		ce:    &simPin{},
		irq:   &simIRQ{high: true},
	}
	s.chip = newSimChip(t, s.cs)
	if opts.Fatalf == nil {
		opts.Fatalf = func(format string, args ...any) {
			panic("fatal: " + format)
		}
	}
	s.radio = New(s.clock, s.chip, s.cs, s.ce, s.irq, opts)
	return s
}

// settle drives the configure state machine to Standby.
func (s *simRadio) settle() {
	s.clock.AdvanceMillis(150)
	s.radio.PollMillisecond()
	s.clock.AdvanceMillis(2)
	s.radio.PollMillisecond()
}

func defaultOptions() Options {
	return Options{
		PTX:                       true,
		AddressLength:             5,
		ID:                        0xE7E7E7E7E7,
		DynamicPayloadLength:      true,
		EnableCRC:                 true,
		CRCLength:                 2,
		AutoRetransmitCount:       0,
		AutoRetransmitDelayMicros: 1000,
		AutomaticAcknowledgment:   true,
		InitialChannel:            76,
		DataRate:                  1000000,
		OutputPower:               0,
	}
}

func TestRadioConfigureSequence(t *testing.T) {
	s := newSimRadio(t, defaultOptions())

	if s.radio.Ready() {
		t.Fatalf("radio ready before power on reset elapsed")
	}
	s.radio.PollMillisecond()
	if len(s.chip.regs) != 0 {
		t.Fatalf("spi traffic during power on reset: %v", s.chip.regs)
	}

	s.settle()
	if !s.radio.Ready() {
		t.Fatalf("radio not ready after configure")
	}

	// EN_CRC | CRCO | PWR_UP, PRIM_RX clear for a transmitter.
	if got := s.chip.reg(t, regConfig); got != 0x0E {
		t.Fatalf("CONFIG = %#02x, want 0x0e", got)
	}
	if got := s.chip.reg(t, regEnAA); got != 0x01 {
		t.Fatalf("EN_AA = %#02x, want 0x01", got)
	}
	if got := s.chip.reg(t, regEnRxAddr); got != 0x01 {
		t.Fatalf("EN_RXADDR = %#02x, want 0x01", got)
	}
	if got := s.chip.reg(t, regSetupAW); got != 0x03 {
		t.Fatalf("SETUP_AW = %#02x, want 0x03", got)
	}
	// 1000/250 = 4 in the delay nibble, count 0.
	if got := s.chip.reg(t, regSetupRetr); got != 0x40 {
		t.Fatalf("SETUP_RETR = %#02x, want 0x40", got)
	}
	if got := s.chip.reg(t, regRFCh); got != 76 {
		t.Fatalf("RF_CH = %d, want 76", got)
	}
	// 1 Mbps, 0 dBm.
	if got := s.chip.reg(t, regRFSetup); got != 0x06 {
		t.Fatalf("RF_SETUP = %#02x, want 0x06", got)
	}
	wantAddr := []byte{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}
	if got := s.chip.regs[regRxAddrP0]; string(got) != string(wantAddr) {
		t.Fatalf("RX_ADDR_P0 = %x, want %x", got, wantAddr)
	}
	if got := s.chip.regs[regTxAddr]; string(got) != string(wantAddr) {
		t.Fatalf("TX_ADDR = %x, want %x", got, wantAddr)
	}
	if got := s.chip.reg(t, regDynPD); got != 0x01 {
		t.Fatalf("DYNPD = %#02x, want 0x01", got)
	}
	if got := s.chip.reg(t, regFeature); got != featureEnDPL|featureEnAckPay|featureEnDynAck {
		t.Fatalf("FEATURE = %#02x", got)
	}

	// A transmitter leaves CE low until a packet is strobed out.
	if s.ce.high {
		t.Fatalf("CE high after configuring a transmitter")
	}
}

func TestRadioConfigureReceiverRaisesCE(t *testing.T) {
	opts := defaultOptions()
	opts.PTX = false
	s := newSimRadio(t, opts)
	s.settle()

	if got := s.chip.reg(t, regConfig); got != 0x0F {
		t.Fatalf("CONFIG = %#02x, want 0x0f", got)
	}
	if !s.ce.high {
		t.Fatalf("CE low after configuring a receiver")
	}
}

func TestRadioRFSetupEncodings(t *testing.T) {
	tests := []struct {
		name     string
		dataRate int
		power    int
		want     byte
	}{
		{"250k -18dBm", 250000, -18, 0x20},
		{"1M 0dBm", 1000000, 0, 0x06},
		{"2M -6dBm", 2000000, -6, 0x0C},
		{"1M +7dBm", 1000000, 7, 0x01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			opts.DataRate = tt.dataRate
			opts.OutputPower = tt.power
			s := newSimRadio(t, opts)
			s.settle()
			if got := s.chip.reg(t, regRFSetup); got != tt.want {
				t.Fatalf("RF_SETUP = %#02x, want %#02x", got, tt.want)
			}
		})
	}
}

func TestRadioFatalOnUnsupportedOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"data rate", func(o *Options) { o.DataRate = 500000 }, "data rate"},
		{"output power", func(o *Options) { o.OutputPower = 3 }, "output power"},
		{"address length", func(o *Options) { o.AddressLength = 2 }, "address length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			tt.mutate(&opts)

			var msg string
			opts.Fatalf = func(format string, args ...any) {
				msg = format
				panic("fatal")
			}
			s := newSimRadio(t, opts)

			defer func() {
				if recover() == nil {
					t.Fatalf("configure accepted unsupported option")
				}
				if !strings.Contains(msg, tt.want) {
					t.Fatalf("fatal message %q does not mention %q", msg, tt.want)
				}
			}()
			s.settle()
		})
	}
}

func TestRadioCommandBeforeStandbyIsFatal(t *testing.T) {
	s := newSimRadio(t, defaultOptions())

	defer func() {
		if recover() == nil {
			t.Fatalf("transmit before standby did not halt")
		}
	}()
	var p Packet
	s.radio.Transmit(&p)
}

func TestRadioTransmitStrobesCE(t *testing.T) {
	s := newSimRadio(t, defaultOptions())
	s.settle()

	p := Packet{Size: 4}
	copy(p.Data[:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	s.radio.Transmit(&p)

	if len(s.chip.txPayloads) != 1 {
		t.Fatalf("expected one tx payload, got %d", len(s.chip.txPayloads))
	}
	if got := s.chip.txPayloads[0]; string(got) != "\xde\xad\xbe\xef" {
		t.Fatalf("tx payload = %x", got)
	}
	// CE pulsed high then low again.
	if len(s.ce.history) < 2 || !s.ce.history[len(s.ce.history)-2] || s.ce.history[len(s.ce.history)-1] {
		t.Fatalf("CE was not pulsed: %v", s.ce.history)
	}
}

func TestRadioPollIdleWhenIRQHigh(t *testing.T) {
	s := newSimRadio(t, defaultOptions())
	s.settle()

	s.chip.status = statusRxDR
	s.irq.high = true
	s.radio.Poll()
	if s.radio.IsDataReady() {
		t.Fatalf("poll latched data while irq was high")
	}
}

func TestRadioPollDrainsRxAndClearsStatus(t *testing.T) {
	opts := defaultOptions()
	opts.PTX = false
	s := newSimRadio(t, opts)
	s.settle()

	s.chip.status = statusRxDR
	s.chip.rxWidth = 3
	s.chip.rxPayload = []byte{0x31, 0x02, 0x03}
	s.irq.high = false

	s.radio.Poll()
	if !s.radio.IsDataReady() {
		t.Fatalf("rx packet not latched")
	}
	if s.chip.status&statusIRQMask != 0 {
		t.Fatalf("status bits not cleared: %#02x", s.chip.status)
	}

	var p Packet
	if !s.radio.Read(&p) {
		t.Fatalf("read returned false with data latched")
	}
	if p.Size != 3 || string(p.Bytes()) != "\x31\x02\x03" {
		t.Fatalf("read packet = %x (size %d)", p.Bytes(), p.Size)
	}
	if s.radio.IsDataReady() {
		t.Fatalf("ready flag not cleared by read")
	}
	if s.radio.Error() != 0 {
		t.Fatalf("unexpected error flags %#x", s.radio.Error())
	}
}

func TestRadioPollOverflowKeepsNewest(t *testing.T) {
	opts := defaultOptions()
	opts.PTX = false
	s := newSimRadio(t, opts)
	s.settle()
	s.irq.high = false

	s.chip.status = statusRxDR
	s.chip.rxWidth = 1
	s.chip.rxPayload = []byte{0xAA}
	s.radio.Poll()

	s.chip.status = statusRxDR
	s.chip.rxPayload = []byte{0xBB}
	s.radio.Poll()

	if s.radio.Error()&ErrRxOverflow == 0 {
		t.Fatalf("overflow not flagged")
	}
	var p Packet
	s.radio.Read(&p)
	if p.Data[0] != 0xBB {
		t.Fatalf("expected newest packet to win, got %#02x", p.Data[0])
	}
}

func TestRadioPollAckPayloadOnTransmitter(t *testing.T) {
	s := newSimRadio(t, defaultOptions())
	s.settle()
	s.irq.high = false

	// Auto-ack payload delivery latches TX_DS only.
	s.chip.status = statusTxDS
	s.chip.rxWidth = 2
	s.chip.rxPayload = []byte{0x10, 0x20}
	s.radio.Poll()

	if !s.radio.IsDataReady() {
		t.Fatalf("ack payload not drained on TX_DS")
	}
}

func TestRadioPollMaxRTFlushesTx(t *testing.T) {
	s := newSimRadio(t, defaultOptions())
	s.settle()
	s.irq.high = false

	s.chip.status = statusMaxRT
	s.radio.Poll()
	s.chip.status = statusMaxRT
	s.radio.Poll()

	if s.chip.txFlushes != 2 {
		t.Fatalf("expected 2 tx flushes, got %d", s.chip.txFlushes)
	}
	if got := s.radio.Status().RetransmitExceeded; got != 2 {
		t.Fatalf("retransmit counter = %d, want 2", got)
	}
}

func TestRadioSelectRFChannelMasksHighBit(t *testing.T) {
	s := newSimRadio(t, defaultOptions())
	s.settle()

	s.radio.SelectRFChannel(0xFF)
	if got := s.chip.reg(t, regRFCh); got != 0x7F {
		t.Fatalf("RF_CH = %#02x, want 0x7f", got)
	}
}
