package event

import "time"

// EpochOffsetSeconds is added to the device-relative seconds counter to get Unix seconds.
const EpochOffsetSeconds = 441792000

// Code identifies what happened on the device. All 32 five-bit values are valid.
type Code uint8

const (
	CodeReserved0 Code = iota
	CodeInputStatusChange
	CodeInputEnabled
	CodeInputDisabled
	CodeChatterResumed
	CodeChatterSuspended
	CodePowerOn
	CodeInterDeviceSyncLock
	CodeInterDeviceSyncFail
	CodeInternalError
	CodeLogCleared
	Code24VPowerLoss
	Code24VPowerRestored
	CodeReserved13
	CodeManualTimeSet
	CodeSetupChanged
	CodeDSTSwitchover
	CodeReset
	CodeFirmwareUpgraded
	CodePowerFail
	CodePTPSyncLock
	CodePTPSyncFail
	CodeTimeSyncLock
	CodeTimeSyncFail
	CodeTestModeOn
	CodeTestModeOff
	CodeHighSpeedTriggerOut
	CodeTestModeInputChange
	CodeReserved28
	CodeRTCBatteryLow
	CodePowerControlModuleIssue
	CodeReserved31
)

var codeDisplay = [32]string{
	"Reserved",
	"Input Status Change",
	"Input Enabled for Event Recording (by User)",
	"Input Disabled for Event Recording (by User)",
	"Input Chatter Count Off (Event Recording Resumed)",
	"Input Chatter Count Off (Event Recording Suspended)",
	"Power On",
	"SER Inter-Device (RS-485) Time Sync Lock",
	"SER Inter-Device (RS-485) Time Sync Fail",
	"Internal Error",
	"Event Log Cleared",
	"24V Power Loss",
	"24V Power Restored",
	"Reserved",
	"Manual Time Set",
	"Setup Configuration Changed",
	"Daylight Saving Time (DST) Start/End Switchover",
	"Reset",
	"Firmware Upgraded",
	"Power Fail",
	"PTP/NTP Time Sync Lock",
	"PTP/NTP Time Sync Fail",
	"Time Sync Lock",
	"Time Sync Fail",
	"Test Mode On",
	"Test Mode Off",
	"High-Speed Trigger Out",
	"Test Mode Input Status Change",
	"Reserved",
	"RTC Battery Low",
	"Power Control Module Issue",
	"Reserved",
}

// Display returns the human readable description printed by the device UI.
func (c Code) Display() string {
	return codeDisplay[c&0x1F]
}

func (c Code) String() string {
	return c.Display()
}

type InputStatus uint8

const (
	InputOff InputStatus = iota
	InputOn
)

func (s InputStatus) String() string {
	if s == InputOn {
		return "On"
	}
	return "Off"
}

// DST tells whether the event timestamp was taken during daylight saving time.
type DST uint8

const (
	DSTStandard DST = iota
	DSTDaylightSaving
)

func (d DST) String() string {
	if d == DSTDaylightSaving {
		return "DST"
	}
	return "STD"
}

type TimeQuality uint8

const (
	TimeQualityGood TimeQuality = iota
	TimeQualityFair
	TimeQualityPoor
	TimeQualityBad
)

func (q TimeQuality) String() string {
	switch q {
	case TimeQualityGood:
		return "Good"
	case TimeQualityFair:
		return "Fair"
	case TimeQualityPoor:
		return "Poor"
	default:
		return "Bad"
	}
}

// Record is one decoded entry of the device event log.
type Record struct {
	Code             Code
	Channel          int
	InputStatus      InputStatus
	DST              DST
	TimeQuality      TimeQuality
	SequenceNumber   uint32
	CoincidentStatus uint32
	TimestampMs      int64
}

// Time returns the event timestamp in UTC.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}
