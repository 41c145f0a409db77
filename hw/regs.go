package hw

// Register offsets inside the engine's register window.
const (
	// TDMA engine
	TDMACount    uint32 = 0x0800 // bytes remaining in the current descriptor
	TDMASrc      uint32 = 0x0810
	TDMADst      uint32 = 0x0820
	TDMANext     uint32 = 0x0830 // bus address of the next descriptor to fetch
	TDMAControl  uint32 = 0x0840
	TDMACurrent  uint32 = 0x0870
	TDMAErrCause uint32 = 0x08C8
	TDMAErrMask  uint32 = 0x08CC

	// Security accelerator
	ACCCommand uint32 = 0xDE00
	ACCDesc    uint32 = 0xDE04 // SRAM offset of the accelerator descriptor
	ACCConfig  uint32 = 0xDE08
	ACCStatus  uint32 = 0xDE0C

	IntCause uint32 = 0xDE20
	IntMask  uint32 = 0xDE24
)

// TDMAControl bits
const (
	TDMADstBurst128   uint32 = 4 << 0
	TDMASrcBurst128   uint32 = 4 << 6
	TDMAOutstandingRd uint32 = 1 << 4
	TDMAEnable        uint32 = 1 << 12
	TDMAFetchNext     uint32 = 1 << 13
	TDMAActive        uint32 = 1 << 14

	TDMADefaultControl = TDMAEnable | TDMADstBurst128 | TDMASrcBurst128 | TDMAOutstandingRd
)

// TDMAErrCause bits
const (
	TDMAErrMiss      uint32 = 1 << 0
	TDMAErrDoubleHit uint32 = 1 << 1
	TDMAErrBothHit   uint32 = 1 << 2
	TDMAErrData      uint32 = 1 << 3

	TDMAErrAll = TDMAErrMiss | TDMAErrDoubleHit | TDMAErrBothHit | TDMAErrData
)

// ACCCommand bits
const (
	ACCCommandAct  uint32 = 1 << 0
	ACCCommandStop uint32 = 1 << 2
)

// ACCConfig bits
const (
	ACCConfigStopOnErr uint32 = 1 << 0
	ACCConfigWaitTDMA  uint32 = 1 << 7
	ACCConfigActTDMA   uint32 = 1 << 9
	ACCConfigMultiPkt  uint32 = 1 << 11
	ACCConfigPowerOn          = ACCConfigMultiPkt | ACCConfigWaitTDMA | ACCConfigActTDMA
)

// ACCStatus bits
const (
	ACCStatusActive uint32 = 1 << 0
	ACCStatusMACErr uint32 = 1 << 8
)

// IntCause / IntMask bits
const (
	IntAuth     uint32 = 1 << 0
	IntDES      uint32 = 1 << 1
	IntAES      uint32 = 1 << 2
	IntAESDec   uint32 = 1 << 3
	IntACC      uint32 = 1 << 5
	IntACCTDMA  uint32 = 1 << 7 // chain completed through the accelerator
	IntTDMAComp uint32 = 1 << 9
	IntTDMAOwn  uint32 = 1 << 10
	IntTDMAErr  uint32 = 1 << 31

	IntDefault = IntACCTDMA | IntTDMAErr
)
