package channel

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestParseRequestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header RequestHeader
	}{
		{"produce v8 non-flexible", RequestHeader{APIKey: 0, APIVersion: 8, CorrelationID: 7, ClientID: "producer-1"}},
		{"produce v9 flexible", RequestHeader{APIKey: 0, APIVersion: 9, CorrelationID: 42, ClientID: "producer-2"}},
		{"fetch v4", RequestHeader{APIKey: 1, APIVersion: 4, CorrelationID: 1, ClientID: "consumer"}},
		{"metadata v1 empty clientId", RequestHeader{APIKey: 3, APIVersion: 1, CorrelationID: 3}},
		{"api versions v3 tagged", RequestHeader{APIKey: 18, APIVersion: 3, CorrelationID: 9, ClientID: "probe"}},
		{"envelope v0 flexible", RequestHeader{APIKey: 58, APIVersion: 0, CorrelationID: 11, ClientID: "broker-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := AppendRequestHeader(nil, &tt.header)
			// Trailing payload must not confuse the parser.
			buf = append(buf, 0xde, 0xad)

			got, n, err := ParseRequestHeader(buf)
			if err != nil {
				t.Fatalf("ParseRequestHeader failed: %v", err)
			}
			if n != len(buf)-2 {
				t.Errorf("consumed %d bytes, want %d", n, len(buf)-2)
			}
			if *got != tt.header {
				t.Errorf("parsed header = %+v, want %+v", got, tt.header)
			}
		})
	}
}

func TestParseRequestHeaderTooShort(t *testing.T) {
	for _, buf := range [][]byte{nil, {0}, {0, 0, 0, 8, 0, 0, 0}} {
		if _, _, err := ParseRequestHeader(buf); err == nil {
			t.Errorf("ParseRequestHeader(%v) succeeded, want error", buf)
		}
	}
}

func TestParseRequestHeaderTruncatedClientID(t *testing.T) {
	header := RequestHeader{APIKey: 3, APIVersion: 1, CorrelationID: 1, ClientID: "a-long-client-id"}
	buf := AppendRequestHeader(nil, &header)
	if _, _, err := ParseRequestHeader(buf[:12]); err == nil {
		t.Error("truncated clientId parsed without error")
	}
}

func TestEncodeResponseHeaderFlexibility(t *testing.T) {
	// Non-flexible response: header is just the correlation id.
	metaHeader := &RequestHeader{APIKey: 3, APIVersion: 1, CorrelationID: 0x01020304}
	metaResp := kmsg.NewPtrMetadataResponse()
	out := EncodeResponse(metaHeader, metaResp)
	if len(out) < 4 {
		t.Fatalf("encoded response too short: %d bytes", len(out))
	}
	if out[0] != 1 || out[1] != 2 || out[2] != 3 || out[3] != 4 {
		t.Errorf("correlation id bytes = %v", out[:4])
	}

	// Flexible response carries a tag byte after the correlation id.
	envHeader := &RequestHeader{APIKey: 58, APIVersion: 0, CorrelationID: 1}
	envResp := kmsg.NewPtrEnvelopeResponse()
	flexible := EncodeResponse(envHeader, envResp)
	if flexible[4] != 0 {
		t.Errorf("flexible response missing empty tag buffer: %v", flexible[:6])
	}
}
