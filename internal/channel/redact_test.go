package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func strPtr(s string) *string { return &s }

func alterConfigsRequest(configs ...kmsg.AlterConfigsRequestResourceConfig) *kmsg.AlterConfigsRequest {
	req := kmsg.NewPtrAlterConfigsRequest()
	res := kmsg.NewAlterConfigsRequestResource()
	res.ResourceType = kmsg.ConfigResourceTypeBroker
	res.ResourceName = "1"
	res.Configs = configs
	req.Resources = append(req.Resources, res)
	return req
}

func configEntry(name string, value *string) kmsg.AlterConfigsRequestResourceConfig {
	c := kmsg.NewAlterConfigsRequestResourceConfig()
	c.Name = name
	c.Value = value
	return c
}

func TestLoggableNonConfigRequestIsIdentity(t *testing.T) {
	req := kmsg.NewPtrMetadataRequest()
	got := LoggableRequest(req)
	if got != kmsg.Request(req) {
		t.Error("loggable view of a metadata request is not the same object")
	}

	fetch := kmsg.NewPtrFetchRequest()
	if LoggableRequest(fetch) != kmsg.Request(fetch) {
		t.Error("loggable view of a fetch request is not the same object")
	}
}

func TestLoggableAlterConfigsRedaction(t *testing.T) {
	req := alterConfigsRequest(
		configEntry("compression.type", strPtr("lz4")),
		configEntry("ssl.key.password", strPtr("hunter2")),
		configEntry("listener.name.internal.ssl.key.password", strPtr("hunter3")),
		configEntry("listener.name.internal.plain.sasl.jaas.config", strPtr("secretjaas")),
		configEntry("custom.fancy.setting", strPtr("whatever")),
		configEntry("sasl.login.callback.handler.class", strPtr("com.example.Callback")),
		configEntry("ssl.enabled.protocols", strPtr("TLSv1.3")),
	)

	loggable, ok := LoggableRequest(req).(*kmsg.AlterConfigsRequest)
	require.True(t, ok, "loggable view changed request type")
	require.NotSame(t, req, loggable, "config-mutation request must be copied")
	require.Len(t, loggable.Resources, 1)

	got := make(map[string]*string)
	for _, cfg := range loggable.Resources[0].Configs {
		got[cfg.Name] = cfg.Value
	}

	assert.Equal(t, "lz4", *got["compression.type"])
	assert.Equal(t, "com.example.Callback", *got["sasl.login.callback.handler.class"])
	assert.Equal(t, "TLSv1.3", *got["ssl.enabled.protocols"])
	assert.Equal(t, RedactedValue, *got["ssl.key.password"])
	assert.Equal(t, RedactedValue, *got["listener.name.internal.ssl.key.password"])
	assert.Equal(t, RedactedValue, *got["listener.name.internal.plain.sasl.jaas.config"])
	assert.Equal(t, RedactedValue, *got["custom.fancy.setting"], "unrecognized keys fail closed")

	// The dispatched request is untouched.
	for _, cfg := range req.Resources[0].Configs {
		assert.NotEqual(t, RedactedValue, *cfg.Value, "original request mutated for %s", cfg.Name)
	}
}

func TestLoggableIncrementalAlterConfigsRedaction(t *testing.T) {
	req := kmsg.NewPtrIncrementalAlterConfigsRequest()
	res := kmsg.NewIncrementalAlterConfigsRequestResource()
	res.ResourceType = kmsg.ConfigResourceTypeTopic
	res.ResourceName = "events"

	set := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
	set.Name = "ssl.keystore.password"
	set.Op = kmsg.IncrementalAlterConfigOpSet
	set.Value = strPtr("topsecret")

	keep := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
	keep.Name = "retention.ms"
	keep.Op = kmsg.IncrementalAlterConfigOpSet
	keep.Value = strPtr("86400000")

	// A delete carries no value and must stay absent, not become the marker.
	del := kmsg.NewIncrementalAlterConfigsRequestResourceConfig()
	del.Name = "ssl.truststore.password"
	del.Op = kmsg.IncrementalAlterConfigOpDelete
	del.Value = nil

	res.Configs = append(res.Configs, set, keep, del)
	req.Resources = append(req.Resources, res)

	loggable, ok := LoggableRequest(req).(*kmsg.IncrementalAlterConfigsRequest)
	require.True(t, ok)
	require.NotSame(t, req, loggable)

	configs := loggable.Resources[0].Configs
	require.Len(t, configs, 3)
	assert.Equal(t, RedactedValue, *configs[0].Value)
	assert.Equal(t, "86400000", *configs[1].Value)
	assert.Nil(t, configs[2].Value, "deletion gained a value in the loggable view")

	assert.Equal(t, "topsecret", *req.Resources[0].Configs[0].Value, "original request mutated")
}

func TestIsSensitiveConfig(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ssl.key.password", true},
		{"ssl.keystore.password", true},
		{"listener.name.external.ssl.keystore.password", true},
		{"sasl.jaas.config", true},
		{"listener.name.b.gssapi.sasl.jaas.config", true},
		{"compression.type", false},
		{"min.insync.replicas", false},
		{"ssl.enabled.protocols", false},
		{"sasl.login.callback.handler.class", false},
		{"totally.made.up.key", true}, // unknown keys fail closed
	}
	for _, tt := range tests {
		if got := IsSensitiveConfig(tt.key); got != tt.want {
			t.Errorf("IsSensitiveConfig(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
