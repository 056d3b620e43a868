package serclient

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/micro-ha/ser-gateway/internal/channels"
	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	pathEventStatus   = "/events/last"
	pathEvents        = "/events?record=%d&count=%d"
	pathChannelNames  = "/channels/name/ext"
	pathChannelStatus = "/channels/status"
	pathChannelData   = "/channels/data"
	pathDiagnostics   = "/diag"
)

// ChannelReading is the live state of one channel as returned by /channels/data.
type ChannelReading struct {
	Value      int64 `json:"value"`
	SecondsUTC int64 `json:"secondsUTC"`
	DSTActive  int   `json:"dst_active"`
}

// Diagnostics is the device identity and health block returned by /diag.
type Diagnostics struct {
	Mac1            string `json:"mac1"`
	Mac2            string `json:"mac2"`
	Eport           string `json:"eport"`
	Model           string `json:"model"`
	DeviceName      string `json:"device_name"`
	DeviceID        string `json:"device_ID"`
	CatalogNumber   string `json:"catalog_number"`
	DOM             string `json:"dom"`
	SerialNumber    string `json:"serial_number"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	Build           int    `json:"build"`
	CFM0Version     string `json:"cfm0_version"`
	CFM1Version     string `json:"cfm1_version"`
	UFMVersion      string `json:"ufm_version"`
	PCMVersion      string `json:"pcm_version"`
	StorageTotal    int64  `json:"storage_total"`
	StorageFree     int64  `json:"storage_free"`
	StorageScale    int64  `json:"storage_scale"`
	SecondsUTC      int64  `json:"secondsUTC"`
	DSTActive       int    `json:"dst_active"`
	TimeZoneOffset  int    `json:"time_zone_offset"`
	AltDateFormat   int    `json:"alt_date_format"`
	AltTimeFormat   int    `json:"alt_time_format"`
	TimeSourceSetup int    `json:"time_source_setup"`
	Slot1           int    `json:"slot1"`
	Slot2           int    `json:"slot2"`
}

// EventStatus fetches the current state of the device event buffer.
func (c *Client) EventStatus(ctx context.Context) (model.EventStatus, error) {
	var status model.EventStatus
	if err := c.getJSON(ctx, pathEventStatus, &status); err != nil {
		return model.EventStatus{}, err
	}
	return status, nil
}

// Events fetches count raw records starting at buffer index record, in buffer order.
func (c *Client) Events(ctx context.Context, record, count uint32) ([]string, error) {
	var payload struct {
		Events []struct {
			R string `json:"r"`
		} `json:"events"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(pathEvents, record, count), &payload); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(payload.Events))
	for _, item := range payload.Events {
		out = append(out, item.R)
	}
	return out, nil
}

// ChannelNames fetches the configured name and on/off texts of every channel.
func (c *Client) ChannelNames(ctx context.Context) ([]channels.Config, error) {
	var payload struct {
		Channels []channels.Config `json:"channels_name_ext"`
	}
	if err := c.getJSON(ctx, pathChannelNames, &payload); err != nil {
		return nil, err
	}
	return payload.Channels, nil
}

// ChannelStatus fetches the input state bitmask, bit n-1 for channel n.
func (c *Client) ChannelStatus(ctx context.Context) (uint32, error) {
	var payload struct {
		Status uint32 `json:"status"`
	}
	if err := c.getJSON(ctx, pathChannelStatus, &payload); err != nil {
		return 0, err
	}
	return payload.Status, nil
}

// ChannelData fetches counters and timestamps of all channels, channel 1 first.
func (c *Client) ChannelData(ctx context.Context) ([]ChannelReading, error) {
	var payload struct {
		Channels []ChannelReading `json:"channels_data"`
	}
	if err := c.getJSON(ctx, pathChannelData, &payload); err != nil {
		return nil, err
	}
	return payload.Channels, nil
}

// Diagnostics fetches device identity, firmware and time settings.
func (c *Client) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var diag Diagnostics
	if err := c.getJSON(ctx, pathDiagnostics, &diag); err != nil {
		return Diagnostics{}, err
	}
	return diag, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
