package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDeviceConfigBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  DeviceConfig
		want string
	}{
		{
			name: "plain host defaults to https",
			cfg:  DeviceConfig{Hostname: "192.168.1.50"},
			want: "https://192.168.1.50",
		},
		{
			name: "explicit scheme is kept",
			cfg:  DeviceConfig{Hostname: "http://192.168.1.50"},
			want: "http://192.168.1.50",
		},
		{
			name: "host with port and trailing slash",
			cfg:  DeviceConfig{Hostname: "ser-01.plant.local:8443/"},
			want: "https://ser-01.plant.local:8443",
		},
		{
			name: "path prefix behind reverse proxy",
			cfg:  DeviceConfig{Hostname: "https://proxy.local/ser01/"},
			want: "https://proxy.local/ser01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.BaseURL())
		})
	}
}

func TestDeviceConfigYAMLDefaults(t *testing.T) {
	raw := `
datasources:
  - name: history
    dsn: /tmp/history.db
devices:
  - name: ser-01
    hostname: 10.0.0.5
    username: admin
    password: secret
    datasource: history
  - name: ser-02
    hostname: 10.0.0.6
    enabled: false
    event_poll_rate: 2s
    schema:
      table: LINE2_EVENTS
`
	var f File
	require.NoError(t, yaml.Unmarshal([]byte(raw), &f))
	require.NoError(t, f.Validate())
	require.Len(t, f.Devices, 2)

	first := f.Devices[0]
	assert.True(t, first.Enabled)
	assert.True(t, first.AutoCreate)
	assert.False(t, first.PruneEnabled)
	assert.Equal(t, 90, first.RetentionDays)
	assert.Equal(t, DefaultChannelPollRate, first.ChannelPollRate)
	assert.Equal(t, DefaultEventPollRate, first.EventPollRate)
	assert.Equal(t, DefaultEventSchema(), first.Schema)

	second := f.Devices[1]
	assert.False(t, second.Enabled)
	assert.Equal(t, 2*time.Second, second.EventPollRate)
	assert.Equal(t, "LINE2_EVENTS", second.Schema.Table)
	assert.Equal(t, "SEQUENCE_NUMBER", second.Schema.SequenceNumberColumn)

	require.Len(t, f.Datasources, 1)
	assert.Equal(t, "sqlite", f.Datasources[0].Driver)
	assert.True(t, f.Datasources[0].Enabled)
}

func TestFileValidateReportsEveryProblem(t *testing.T) {
	f := File{
		Datasources: []DatasourceConfig{{Name: "db", Driver: "oracle"}},
		Devices: []DeviceConfig{
			{Name: "a", Hostname: "h"},
			{Name: "a", Hostname: "h"},
			{Name: "b"},
			{Name: ""},
		},
	}
	err := f.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, `unsupported driver "oracle"`), msg)
	assert.True(t, strings.Contains(msg, `duplicate name "a"`), msg)
	assert.True(t, strings.Contains(msg, `device "b": hostname is required`), msg)
	assert.True(t, strings.Contains(msg, "devices[3]: name is required"), msg)
}

func TestDeviceConfigNormalize(t *testing.T) {
	cfg := DeviceConfig{Name: " ser ", ChannelPollRate: time.Millisecond, RetentionDays: -1}.Normalize()
	assert.Equal(t, "ser", cfg.Name)
	assert.Equal(t, DefaultChannelPollRate, cfg.ChannelPollRate)
	assert.Equal(t, DefaultEventPollRate, cfg.EventPollRate)
	assert.Equal(t, 90, cfg.RetentionDays)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())
	assert.Equal(t, "SER_EVENTS", cfg.Schema.Table)
}
