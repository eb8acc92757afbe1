package nrf24

// SPI command opcodes.
const (
	cmdReadRegister       = 0x00 // + register address
	cmdWriteRegister      = 0x20 // + register address
	cmdReadRxPayloadWidth = 0x60 // R_RX_PL_WID
	cmdReadRxPayload      = 0x61 // R_RX_PAYLOAD
	cmdWriteTxPayload     = 0xA0 // W_TX_PAYLOAD
	cmdWriteAckPayload    = 0xA8 // W_ACK_PAYLOAD, pipe 0
	cmdFlushTx            = 0xE1 // FLUSH_TX
	cmdNop                = 0xFF // NOP, returns STATUS
)

// Register addresses.
const (
	regConfig    = 0x00
	regEnAA      = 0x01
	regEnRxAddr  = 0x02
	regSetupAW   = 0x03
	regSetupRetr = 0x04
	regRFCh      = 0x05
	regRFSetup   = 0x06
	regStatus    = 0x07
	regRxAddrP0  = 0x0A
	regTxAddr    = 0x10
	regDynPD     = 0x1C
	regFeature   = 0x1D
)

// CONFIG bits.
const (
	configEnCRC  = 1 << 3
	configCRCO   = 1 << 2
	configPwrUp  = 1 << 1
	configPrimRx = 1 << 0
)

// STATUS bits. The three latched interrupt sources are cleared by writing
// them back to the STATUS register in one transaction.
const (
	statusRxDR    = 1 << 6
	statusTxDS    = 1 << 5
	statusMaxRT   = 1 << 4
	statusIRQMask = statusRxDR | statusTxDS | statusMaxRT
)

// FEATURE bits.
const (
	featureEnDPL    = 1 << 2
	featureEnAckPay = 1 << 1
	featureEnDynAck = 1 << 0
)

// addressWidthCode maps the on-air address length in bytes to the SETUP_AW
// encoding. Any other length is an unsupported configuration.
var addressWidthCode = map[int]byte{
	3: 1,
	4: 2,
	5: 3,
}

// dataRateBits maps the air data rate in bits per second to the RF_DR_LOW /
// RF_DR_HIGH bits of RF_SETUP.
var dataRateBits = map[int]byte{
	250000:  1 << 5,
	1000000: 0,
	2000000: 1 << 3,
}

// outputPowerBits maps the output power in dBm to the RF_PWR field of
// RF_SETUP. +7 dBm is only reachable on PA variants of the chip.
var outputPowerBits = map[int]byte{
	-18: 0,
	-12: 2,
	-6:  4,
	0:   6,
	7:   1,
}
