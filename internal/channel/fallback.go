package channel

import (
	"reflect"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// BuildFallbackResponse builds a response for a request whose handler
// failed, using UNKNOWN_SERVER_ERROR and mirroring the requested
// topics/partitions so clients see a well-formed per-item failure rather
// than a dropped connection.
func BuildFallbackResponse(req *Request) kmsg.Response {
	return buildErrorResponse(req.Header.APIVersion, req.Body, kerr.UnknownServerError.Code)
}

func buildErrorResponse(version int16, req kmsg.Request, errorCode int16) kmsg.Response {
	switch r := req.(type) {
	case *kmsg.ProduceRequest:
		resp := kmsg.NewPtrProduceResponse()
		resp.SetVersion(version)
		for _, topic := range r.Topics {
			topicResp := kmsg.NewProduceResponseTopic()
			topicResp.Topic = topic.Topic
			for _, partition := range topic.Partitions {
				partResp := kmsg.NewProduceResponseTopicPartition()
				partResp.Partition = partition.Partition
				partResp.ErrorCode = errorCode
				partResp.BaseOffset = -1
				topicResp.Partitions = append(topicResp.Partitions, partResp)
			}
			resp.Topics = append(resp.Topics, topicResp)
		}
		return resp

	case *kmsg.FetchRequest:
		resp := kmsg.NewPtrFetchResponse()
		resp.SetVersion(version)
		for _, topic := range r.Topics {
			topicResp := kmsg.NewFetchResponseTopic()
			topicResp.Topic = topic.Topic
			for _, partition := range topic.Partitions {
				partResp := kmsg.NewFetchResponseTopicPartition()
				partResp.Partition = partition.Partition
				partResp.ErrorCode = errorCode
				if version >= 11 {
					partResp.PreferredReadReplica = -1
				}
				topicResp.Partitions = append(topicResp.Partitions, partResp)
			}
			resp.Topics = append(resp.Topics, topicResp)
		}
		return resp

	case *kmsg.MetadataRequest:
		resp := kmsg.NewPtrMetadataResponse()
		resp.SetVersion(version)
		for _, topic := range r.Topics {
			topicResp := kmsg.NewMetadataResponseTopic()
			topicResp.Topic = topic.Topic
			topicResp.ErrorCode = errorCode
			resp.Topics = append(resp.Topics, topicResp)
		}
		return resp

	default:
		resp := req.ResponseKind()
		resp.SetVersion(version)
		setTopLevelErrorCode(resp, errorCode)
		return resp
	}
}

// setTopLevelErrorCode sets the response's own ErrorCode field when it has
// one. Responses whose errors only live per-item stay empty; the client
// still gets a correlated response.
func setTopLevelErrorCode(resp kmsg.Response, errorCode int16) {
	v := reflect.ValueOf(resp).Elem()
	f := v.FieldByName("ErrorCode")
	if f.IsValid() && f.Kind() == reflect.Int16 && f.CanSet() {
		f.SetInt(int64(errorCode))
	}
}
