package channel

import (
	"net"
	"reflect"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// EnvelopeContext marks a Request as forwarded: it arrived wrapped in an
// EnvelopeRequest on a privileged listener. It holds the identity of the
// original (pre-forwarding) caller and the capability for transmitting the
// envelope response back through that caller's connection, and lives for
// the lifetime of the outer Request.
type EnvelopeContext struct {
	// Caller is the RequestContext of the original, non-privileged caller
	// the forwarding broker acted for.
	Caller *RequestContext
	// Header is the outer envelope request's header; the envelope response
	// is correlated against it, not against the wrapped request.
	Header *RequestHeader

	send SendFunc
}

// ResponseErrorCounts collects every error code present anywhere in a
// response, including nested per-partition and per-resource codes, mapped to
// the number of occurrences. Byte blobs are not descended into; they are
// opaque payload, not structure.
func ResponseErrorCounts(resp kmsg.Response) map[int16]int {
	counts := make(map[int16]int)
	collectErrorCodes(reflect.ValueOf(resp), counts)
	return counts
}

func collectErrorCodes(v reflect.Value, counts map[int16]int) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			collectErrorCodes(v.Elem(), counts)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fv := v.Field(i)
			if f.Name == "ErrorCode" && fv.Kind() == reflect.Int16 {
				counts[int16(fv.Int())]++
				continue
			}
			collectErrorCodes(fv, counts)
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < v.Len(); i++ {
			collectErrorCodes(v.Index(i), counts)
		}
	}
}

// BuildEnvelopeResponse builds the outer response for a forwarded request.
// The inner response bytes are always carried opaquely. The outer error code
// is NOT_CONTROLLER when the inner response contains NOT_CONTROLLER anywhere,
// so the forwarding broker's client can redo controller discovery and retry;
// every other inner error passes through with outer error NONE.
func BuildEnvelopeResponse(inner kmsg.Response, innerBytes []byte) *kmsg.EnvelopeResponse {
	resp := kmsg.NewPtrEnvelopeResponse()
	resp.ResponseData = innerBytes
	if ResponseErrorCounts(inner)[kerr.NotController.Code] > 0 {
		resp.ErrorCode = kerr.NotController.Code
	}
	return resp
}

// unwrapEnvelope parses the wrapped request carried by an EnvelopeRequest
// and reconstructs the original caller's context. Returns the inner header,
// the inner body payload, and the caller context.
func unwrapEnvelope(env *kmsg.EnvelopeRequest, outer *RequestContext) (*RequestHeader, []byte, *RequestContext, error) {
	header, n, err := ParseRequestHeader(env.RequestData)
	if err != nil {
		return nil, nil, nil, err
	}

	caller := &RequestContext{
		ConnectionID:     outer.ConnectionID,
		ClientAddr:       formatForwardedAddr(env.ClientHostAddress),
		Principal:        string(env.RequestPrincipal),
		ListenerName:     outer.ListenerName,
		SecurityProtocol: outer.SecurityProtocol,
		ClientID:         header.ClientID,
	}
	return header, env.RequestData[n:], caller, nil
}

// formatForwardedAddr renders the original client address bytes carried in
// an envelope. The wire form is a raw 4- or 16-byte IP.
func formatForwardedAddr(addr []byte) string {
	if len(addr) == net.IPv4len || len(addr) == net.IPv6len {
		return net.IP(addr).String()
	}
	return string(addr)
}
