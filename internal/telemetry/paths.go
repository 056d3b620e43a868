package telemetry

// Tag paths relative to a device root.
const (
	PathStatus               = "Status/Status"
	PathDatabaseStatus       = "Status/DatabaseStatus"
	PathChannelLastExecution = "Status/Channel/LastExecution"
	PathChannelLastDuration  = "Status/Channel/LastExecutionDuration"
	PathChannelNextExecution = "Status/Channel/NextExecution"
	PathEventLastExecution   = "Status/Event/LastExecution"
	PathEventLastDuration    = "Status/Event/LastExecutionDuration"
	PathEventNextExecution   = "Status/Event/NextExecution"
	PathEventNumberOfEvents  = "EventStatus/NumberOfEvents"
	PathEventFirstRecord     = "EventStatus/FirstRecord"
	PathEventLastRecord      = "EventStatus/LastRecord"
	PathEventLastSequence    = "EventStatus/LastSequenceNumber"
	PathLastEventSequence    = "LastEvent/SequenceNumber"
	PathLastEventCode        = "LastEvent/EventCode"
	PathLastEventChannel     = "LastEvent/Channel"
	PathLastEventStatus      = "LastEvent/Status"
	PathLastEventCoincident  = "LastEvent/CoincidentStatus"
	PathLastEventTimestamp   = "LastEvent/Timestamp"
	PathLastEventDST         = "LastEvent/DST"
	PathLastEventTimeQuality = "LastEvent/TimeQuality"
	diagnosticsRoot          = "Diagnostics/"
	channelsRoot             = "Channels/Channel"
)

// DiagnosticsPath returns the tag path of one diagnostics field.
func DiagnosticsPath(field string) string {
	return diagnosticsRoot + field
}

// ChannelPath returns the tag path of a channel member, e.g. Channels/Channel07/Value.
func ChannelPath(id, member string) string {
	return channelsRoot + id + "/" + member
}
