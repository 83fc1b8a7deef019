package channel

import (
	"regexp"
	"strings"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// RedactedValue replaces sensitive configuration values in loggable request
// views.
const RedactedValue = "[hidden]"

// listenerPrefix matches listener-scoped config keys such as
// "listener.name.internal.ssl.key.password"; classification applies to the
// key with the prefix stripped.
var listenerPrefix = regexp.MustCompile(`^listener\.name\.[^.]+\.`)

// knownConfigs classifies recognized configuration keys: true means the
// value is a secret. Keys absent from this table are treated as sensitive.
var knownConfigs = map[string]bool{
	"ssl.key.password":                  true,
	"ssl.keystore.password":             true,
	"ssl.truststore.password":           true,
	"ssl.keystore.key":                  true,
	"ssl.keystore.certificate.chain":    true,
	"delegation.token.secret.key":       true,
	"password.encoder.secret":           true,
	"password.encoder.old.secret":       true,
	"ssl.enabled.protocols":             false,
	"ssl.protocol":                      false,
	"ssl.keystore.type":                 false,
	"ssl.truststore.location":           false,
	"ssl.keystore.location":             false,
	"ssl.client.auth":                   false,
	"sasl.enabled.mechanisms":           false,
	"sasl.mechanism":                    false,
	"sasl.kerberos.service.name":        false,
	"sasl.login.callback.handler.class": false,
	"security.protocol":                 false,
	"compression.type":                  false,
	"cleanup.policy":                    false,
	"retention.ms":                      false,
	"retention.bytes":                   false,
	"segment.bytes":                     false,
	"segment.ms":                        false,
	"max.message.bytes":                 false,
	"message.timestamp.type":            false,
	"min.insync.replicas":               false,
	"unclean.leader.election.enable":    false,
	"min.cleanable.dirty.ratio":         false,
	"delete.retention.ms":               false,
	"file.delete.delay.ms":              false,
	"flush.messages":                    false,
	"flush.ms":                          false,
	"follower.replication.throttled.replicas": false,
	"leader.replication.throttled.replicas":   false,
	"index.interval.bytes":                    false,
	"max.compaction.lag.ms":                   false,
	"min.compaction.lag.ms":                   false,
	"message.downconversion.enable":           false,
	"preallocate":                             false,
	"num.io.threads":                          false,
	"num.network.threads":                     false,
	"num.replica.fetchers":                    false,
	"background.threads":                      false,
	"log.cleaner.threads":                     false,
	"log.retention.ms":                        false,
	"log.flush.interval.ms":                   false,
	"auto.create.topics.enable":               false,
	"message.max.bytes":                       false,
	"metric.reporters":                        false,
}

// IsSensitiveConfig classifies a configuration key for redaction. Explicit
// password-typed keys, their listener-scoped derivatives, and any SASL JAAS
// key are secrets; recognized non-secret keys pass through. Unrecognized
// keys fail closed: an unknown custom key is assumed to hold a secret.
func IsSensitiveConfig(name string) bool {
	key := listenerPrefix.ReplaceAllString(strings.ToLower(name), "")
	if key == "sasl.jaas.config" || strings.HasSuffix(key, ".sasl.jaas.config") {
		return true
	}
	if sensitive, known := knownConfigs[key]; known {
		return sensitive
	}
	return true
}

// LoggableRequest produces a request-shaped value safe to log. For the
// configuration-mutating request kinds, sensitive values are replaced with
// RedactedValue in a copy; deletions (absent values) stay absent. Every
// other request kind is returned as-is, same object. The request actually
// dispatched to the handler is never mutated.
func LoggableRequest(req kmsg.Request) kmsg.Request {
	switch r := req.(type) {
	case *kmsg.AlterConfigsRequest:
		return loggableAlterConfigs(r)
	case *kmsg.IncrementalAlterConfigsRequest:
		return loggableIncrementalAlterConfigs(r)
	default:
		return req
	}
}

func loggableAlterConfigs(r *kmsg.AlterConfigsRequest) *kmsg.AlterConfigsRequest {
	dup := *r
	dup.Resources = make([]kmsg.AlterConfigsRequestResource, len(r.Resources))
	for i, res := range r.Resources {
		cres := res
		cres.Configs = make([]kmsg.AlterConfigsRequestResourceConfig, len(res.Configs))
		for j, cfg := range res.Configs {
			ccfg := cfg
			ccfg.Value = redactValue(cfg.Name, cfg.Value)
			cres.Configs[j] = ccfg
		}
		dup.Resources[i] = cres
	}
	return &dup
}

func loggableIncrementalAlterConfigs(r *kmsg.IncrementalAlterConfigsRequest) *kmsg.IncrementalAlterConfigsRequest {
	dup := *r
	dup.Resources = make([]kmsg.IncrementalAlterConfigsRequestResource, len(r.Resources))
	for i, res := range r.Resources {
		cres := res
		cres.Configs = make([]kmsg.IncrementalAlterConfigsRequestResourceConfig, len(res.Configs))
		for j, cfg := range res.Configs {
			ccfg := cfg
			ccfg.Value = redactValue(cfg.Name, cfg.Value)
			cres.Configs[j] = ccfg
		}
		dup.Resources[i] = cres
	}
	return &dup
}

func redactValue(name string, value *string) *string {
	if value == nil || !IsSensitiveConfig(name) {
		return value
	}
	hidden := RedactedValue
	return &hidden
}
