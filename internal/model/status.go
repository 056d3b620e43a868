package model

// EventStatus is the device's view of its circular event buffer.
type EventStatus struct {
	NumberOfEvents     uint32 `json:"NumberOfEvents"`
	FirstRecord        uint32 `json:"FirstRecord"`
	LastRecord         uint32 `json:"LastRecord"`
	LastSequenceNumber uint32 `json:"LastSequenceNumber"`
}

// DeviceStatus is the operational state of a device session.
type DeviceStatus string

const (
	DeviceStatusUnknown  DeviceStatus = "Unknown"
	DeviceStatusDisabled DeviceStatus = "Disabled"
	DeviceStatusFaulted  DeviceStatus = "Faulted"
	DeviceStatusStarting DeviceStatus = "Starting"
	DeviceStatusRunning  DeviceStatus = "Running"
)

// AllDeviceStatuses lists every DeviceStatus, used for gauges.
var AllDeviceStatuses = []DeviceStatus{
	DeviceStatusUnknown,
	DeviceStatusDisabled,
	DeviceStatusFaulted,
	DeviceStatusStarting,
	DeviceStatusRunning,
}

// DatastoreStatus tells whether events of a device can be stored.
type DatastoreStatus string

const (
	DatastoreStatusUnknown       DatastoreStatus = "Unknown"
	DatastoreStatusNotConfigured DatastoreStatus = "Not Configured"
	DatastoreStatusNotVerified   DatastoreStatus = "Tables Not Verified"
	DatastoreStatusValid         DatastoreStatus = "Valid"
	DatastoreStatusFaulted       DatastoreStatus = "Faulted"
	DatastoreStatusDisabled      DatastoreStatus = "Disabled"
)
