package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultChannelPollRate = 5 * time.Second
	DefaultEventPollRate   = 10 * time.Second
	DefaultRetentionDays   = 90

	minPollRate = 500 * time.Millisecond
)

// File is the on-disk description of all datasources and devices.
type File struct {
	Datasources []DatasourceConfig `yaml:"datasources"`
	Devices     []DeviceConfig     `yaml:"devices"`
}

// DatasourceConfig names a database the event history can be written to.
type DatasourceConfig struct {
	Name    string `yaml:"name" json:"name"`
	Driver  string `yaml:"driver" json:"driver"`
	DSN     string `yaml:"dsn" json:"-"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

func (d *DatasourceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DatasourceConfig
	out := plain{Driver: "sqlite", Enabled: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*d = DatasourceConfig(out)
	return nil
}

// EventSchema holds the table and column names used for stored events.
type EventSchema struct {
	Table                  string `yaml:"table" json:"table"`
	KeyColumn              string `yaml:"key_column" json:"key_column"`
	DeviceColumn           string `yaml:"device_column" json:"device_column"`
	SequenceNumberColumn   string `yaml:"sequence_number_column" json:"sequence_number_column"`
	TimestampColumn        string `yaml:"timestamp_column" json:"timestamp_column"`
	EventCodeColumn        string `yaml:"event_code_column" json:"event_code_column"`
	EventTypeColumn        string `yaml:"event_type_column" json:"event_type_column"`
	ChannelColumn          string `yaml:"channel_column" json:"channel_column"`
	StatusColumn           string `yaml:"status_column" json:"status_column"`
	CoincidentStatusColumn string `yaml:"coincident_status_column" json:"coincident_status_column"`
	TimeQualityColumn      string `yaml:"time_quality_column" json:"time_quality_column"`
}

func DefaultEventSchema() EventSchema {
	return EventSchema{
		Table:                  "SER_EVENTS",
		KeyColumn:              "EVENT_ID",
		DeviceColumn:           "DEVICE",
		SequenceNumberColumn:   "SEQUENCE_NUMBER",
		TimestampColumn:        "T_STAMP",
		EventCodeColumn:        "EVENT_CODE",
		EventTypeColumn:        "EVENT_TYPE",
		ChannelColumn:          "CHANNEL",
		StatusColumn:           "STATUS",
		CoincidentStatusColumn: "COINCIDENT_STATUS",
		TimeQualityColumn:      "TIME_QUALITY",
	}
}

// Normalize fills empty names with defaults.
func (s EventSchema) Normalize() EventSchema {
	d := DefaultEventSchema()
	fill := func(v *string, def string) {
		*v = strings.TrimSpace(*v)
		if *v == "" {
			*v = def
		}
	}
	fill(&s.Table, d.Table)
	fill(&s.KeyColumn, d.KeyColumn)
	fill(&s.DeviceColumn, d.DeviceColumn)
	fill(&s.SequenceNumberColumn, d.SequenceNumberColumn)
	fill(&s.TimestampColumn, d.TimestampColumn)
	fill(&s.EventCodeColumn, d.EventCodeColumn)
	fill(&s.EventTypeColumn, d.EventTypeColumn)
	fill(&s.ChannelColumn, d.ChannelColumn)
	fill(&s.StatusColumn, d.StatusColumn)
	fill(&s.CoincidentStatusColumn, d.CoincidentStatusColumn)
	fill(&s.TimeQualityColumn, d.TimeQualityColumn)
	return s
}

// Identifiers returns every table and column name for validation.
func (s EventSchema) Identifiers() []string {
	return []string{
		s.Table, s.KeyColumn, s.DeviceColumn, s.SequenceNumberColumn, s.TimestampColumn,
		s.EventCodeColumn, s.EventTypeColumn, s.ChannelColumn, s.StatusColumn,
		s.CoincidentStatusColumn, s.TimeQualityColumn,
	}
}

// DeviceConfig describes one SER device and where its events are stored.
type DeviceConfig struct {
	Name            string        `yaml:"name" json:"name"`
	Hostname        string        `yaml:"hostname" json:"hostname"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	VerifyTLS       bool          `yaml:"verify_tls" json:"verify_tls"`
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	ChannelPollRate time.Duration `yaml:"channel_poll_rate" json:"channel_poll_rate"`
	EventPollRate   time.Duration `yaml:"event_poll_rate" json:"event_poll_rate"`
	Datasource      string        `yaml:"datasource" json:"datasource"`
	AutoCreate      bool          `yaml:"auto_create" json:"auto_create"`
	PruneEnabled    bool          `yaml:"prune_enabled" json:"prune_enabled"`
	RetentionDays   int           `yaml:"retention_days" json:"retention_days"`
	Schema          EventSchema   `yaml:"schema" json:"schema"`
}

// DefaultDeviceConfig mirrors the defaults of a freshly created device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Enabled:         true,
		ChannelPollRate: DefaultChannelPollRate,
		EventPollRate:   DefaultEventPollRate,
		AutoCreate:      true,
		RetentionDays:   DefaultRetentionDays,
		Schema:          DefaultEventSchema(),
	}
}

func (c *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DeviceConfig
	out := plain(DefaultDeviceConfig())
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = DeviceConfig(out)
	c.Schema = c.Schema.Normalize()
	return nil
}

// Normalize trims fields and replaces out-of-range values with defaults.
func (c DeviceConfig) Normalize() DeviceConfig {
	c.Name = strings.TrimSpace(c.Name)
	c.Hostname = strings.TrimSpace(c.Hostname)
	c.Username = strings.TrimSpace(c.Username)
	c.Datasource = strings.TrimSpace(c.Datasource)
	if c.ChannelPollRate < minPollRate {
		c.ChannelPollRate = DefaultChannelPollRate
	}
	if c.EventPollRate < minPollRate {
		c.EventPollRate = DefaultEventPollRate
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	c.Schema = c.Schema.Normalize()
	return c
}

// Retention returns how long stored events are kept when pruning is enabled.
func (c DeviceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// BaseURL returns the device root URL. Hosts without a scheme default to https.
func (c DeviceConfig) BaseURL() string {
	raw := strings.TrimSpace(c.Hostname)
	if raw == "" {
		return "https://"
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		host := strings.TrimSpace(c.Hostname)
		host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
		return "https://" + strings.Trim(host, "/")
	}

	scheme := strings.TrimSpace(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + parsed.Host + strings.TrimSuffix(strings.TrimSpace(parsed.Path), "/")
}

// Validate checks the whole file for missing fields and duplicate names.
func (f File) Validate() error {
	var errs []error

	sources := map[string]struct{}{}
	for i, ds := range f.Datasources {
		name := strings.TrimSpace(ds.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("datasources[%d]: name is required", i))
			continue
		}
		if _, dup := sources[name]; dup {
			errs = append(errs, fmt.Errorf("datasources[%d]: duplicate name %q", i, name))
		}
		sources[name] = struct{}{}
		switch ds.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("datasource %q: unsupported driver %q", name, ds.Driver))
		}
	}

	devices := map[string]struct{}{}
	for i, dev := range f.Devices {
		name := strings.TrimSpace(dev.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
			continue
		}
		if _, dup := devices[name]; dup {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, name))
		}
		devices[name] = struct{}{}
		if strings.TrimSpace(dev.Hostname) == "" {
			errs = append(errs, fmt.Errorf("device %q: hostname is required", name))
		}
		if strings.Contains(name, "/") {
			errs = append(errs, fmt.Errorf("device %q: name must not contain '/'", name))
		}
	}
	return errors.Join(errs...)
}
