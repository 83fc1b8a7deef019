package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// RequestHeader contains the parsed Kafka request header.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      string
}

// IsFlexibleRequestHeader reports whether the given API key and version use
// the flexible (header v2) request encoding.
func IsFlexibleRequestHeader(apiKey, version int16) bool {
	req := kmsg.Key(apiKey).Request()
	if req == nil {
		return false
	}
	req.SetVersion(version)
	return req.IsFlexible()
}

// ParseRequestHeader parses the Kafka request header from the buffer.
// Returns the header and the number of bytes consumed. Handles both flexible
// (v2 header) and non-flexible (v1 header) formats.
func ParseRequestHeader(buf []byte) (*RequestHeader, int, error) {
	if len(buf) < 8 {
		return nil, 0, errors.New("request too short for header")
	}

	header := &RequestHeader{
		APIKey:        int16(binary.BigEndian.Uint16(buf[0:2])),
		APIVersion:    int16(binary.BigEndian.Uint16(buf[2:4])),
		CorrelationID: int32(binary.BigEndian.Uint32(buf[4:8])),
	}

	offset := 8

	flexible := IsFlexibleRequestHeader(header.APIKey, header.APIVersion)

	// clientId always uses an int16-length nullable string, in both header
	// v1 and v2; header v2 does NOT switch it to a compact string.
	if len(buf) < offset+2 {
		return nil, 0, errors.New("request too short for clientId length")
	}
	clientIDLen := int16(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	if clientIDLen < -1 {
		return nil, 0, fmt.Errorf("invalid clientId length: %d", clientIDLen)
	}
	if clientIDLen > 0 {
		if len(buf) < offset+int(clientIDLen) {
			return nil, 0, errors.New("request too short for clientId")
		}
		header.ClientID = string(buf[offset : offset+int(clientIDLen)])
		offset += int(clientIDLen)
	}

	// Flexible APIs (header v2) carry tagged fields after clientId.
	// ApiVersions v3+ is special: it keeps the int16 clientId but still has
	// tagged fields.
	hasTaggedFields := flexible || (header.APIKey == 18 && header.APIVersion >= 3)

	if hasTaggedFields {
		if len(buf) < offset+1 {
			return nil, 0, errors.New("request too short for header tags")
		}
		numTags, bytesRead := readUvarint(buf[offset:])
		offset += bytesRead
		for i := uint64(0); i < numTags; i++ {
			if len(buf) <= offset {
				return nil, 0, errors.New("request too short for tag key")
			}
			_, bytesRead := readUvarint(buf[offset:])
			offset += bytesRead
			if len(buf) <= offset {
				return nil, 0, errors.New("request too short for tag length")
			}
			tagLen, bytesRead := readUvarint(buf[offset:])
			offset += bytesRead
			if len(buf) < offset+int(tagLen) {
				return nil, 0, errors.New("request too short for tag data")
			}
			offset += int(tagLen)
		}
	}

	return header, offset, nil
}

// readUvarint reads an unsigned varint from the buffer. Returns the value
// and the number of bytes consumed.
func readUvarint(buf []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, b := range buf {
		if b < 0x80 {
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
		if s >= 64 {
			return 0, i + 1
		}
	}
	return x, len(buf)
}

// AppendRequestHeader encodes a request header onto dst, mirroring
// ParseRequestHeader. Used by tests and by forwarding brokers building
// envelope payloads.
func AppendRequestHeader(dst []byte, header *RequestHeader) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(header.APIKey))
	dst = binary.BigEndian.AppendUint16(dst, uint16(header.APIVersion))
	dst = binary.BigEndian.AppendUint32(dst, uint32(header.CorrelationID))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(header.ClientID)))
	dst = append(dst, header.ClientID...)
	if IsFlexibleRequestHeader(header.APIKey, header.APIVersion) ||
		(header.APIKey == 18 && header.APIVersion >= 3) {
		dst = append(dst, 0) // no tagged fields
	}
	return dst
}

// appendResponseHeader encodes a response header for the given request.
// Flexible responses carry an empty tag buffer, except ApiVersions whose
// response header stays v0 for compatibility with version probing.
func appendResponseHeader(dst []byte, header *RequestHeader, resp kmsg.Response) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(header.CorrelationID))
	if resp.IsFlexible() && header.APIKey != 18 {
		dst = append(dst, 0)
	}
	return dst
}

// EncodeResponse encodes a response with its header for the given request
// header. The result is unframed; the network layer adds the length prefix.
func EncodeResponse(header *RequestHeader, resp kmsg.Response) []byte {
	resp.SetVersion(header.APIVersion)
	buf := appendResponseHeader(make([]byte, 0, 128), header, resp)
	return resp.AppendTo(buf)
}
