// Package brokererr carries the broker's numeric error-code taxonomy
// (spec §6.4, §7). Every failure the storage/messaging core returns is
// wrapped in an *Error so the out-of-scope wire protocol can map it back to
// a stable numeric code and snake_case string without inspecting message
// text.
//
// The sentinel-error shape mirrors friggdb/backend/backend.go's
// ErrMetaDoesNotExist: callers compare with errors.Is, never string match.
package brokererr

import (
	"errors"
	"fmt"
)

// Code is a stable, numeric error code. Ranges are fixed across releases
// (spec §6.4): 1-9 generic, 10-19 filesystem bootstrap, 20-29 resource
// lifecycle, 100-199 client/validation, 200-299 I/O, 1000-1999 streams,
// 2000-2999 topics, 3000-3999 partitions, 4000-4099 segments, 4100-4199
// offsets, 5000-5099 consumer groups.
type Code int

const (
	CodeUnknown Code = 1

	CodeFilesystemBootstrap Code = 10

	CodeResourceAlreadyExists Code = 20
	CodeResourceNotFound      Code = 21

	CodeInvalidIdentifier    Code = 100
	CodeInvalidName          Code = 101
	CodeEmptyPayload         Code = 102
	CodeTooBigPayload        Code = 103
	CodeInvalidHeaderKey     Code = 104
	CodeInvalidOffset        Code = 105
	CodeUnknownMessageState  Code = 106
	CodeCapacityExceeded     Code = 107
	CodeFeatureUnavailable   Code = 108

	CodeIOFailure Code = 200

	CodeStreamNotFound  Code = 1000
	CodeStreamExists    Code = 1001
	CodeTopicNotFound   Code = 2000
	CodeTopicExists     Code = 2001
	CodePartitionNotFound  Code = 3000
	CodeTooManyPartitions  Code = 3001

	CodeSegmentClosed        Code = 4000
	CodeSegmentNotFound      Code = 4001
	CodeCannotReadField      Code = 4002
	CodeChecksumMismatch     Code = 4003
	CodeTruncatedRecord      Code = 4004

	CodeOffsetNotFound Code = 4100

	CodeConsumerGroupNotFound Code = 5000
	CodeConsumerGroupMember   Code = 5001
)

var names = map[Code]string{
	CodeUnknown:               "unknown_error",
	CodeFilesystemBootstrap:   "filesystem_bootstrap_error",
	CodeResourceAlreadyExists: "resource_already_exists",
	CodeResourceNotFound:      "resource_not_found",
	CodeInvalidIdentifier:     "invalid_identifier",
	CodeInvalidName:           "invalid_name",
	CodeEmptyPayload:          "empty_message_payload",
	CodeTooBigPayload:         "too_big_message_payload",
	CodeInvalidHeaderKey:      "invalid_header_key",
	CodeInvalidOffset:         "invalid_offset",
	CodeUnknownMessageState:   "cannot_read_message_state",
	CodeCapacityExceeded:      "capacity_exceeded",
	CodeFeatureUnavailable:    "feature_unavailable",
	CodeIOFailure:             "io_failure",
	CodeStreamNotFound:        "stream_id_not_found",
	CodeStreamExists:          "stream_name_already_exists",
	CodeTopicNotFound:         "topic_id_not_found",
	CodeTopicExists:           "topic_name_already_exists",
	CodePartitionNotFound:     "partition_not_found",
	CodeTooManyPartitions:     "too_many_partitions",
	CodeSegmentClosed:         "segment_closed",
	CodeSegmentNotFound:       "segment_not_found",
	CodeCannotReadField:       "cannot_read_message_field",
	CodeChecksumMismatch:      "invalid_message_checksum",
	CodeTruncatedRecord:       "truncated_record",
	CodeOffsetNotFound:        "consumer_offset_not_found",
	CodeConsumerGroupNotFound: "consumer_group_not_found",
	CodeConsumerGroupMember:   "consumer_group_member_not_found",
}

// Error is the broker-core error type. It always carries a stable Code in
// addition to the wrapped cause, so the transport layer can map errors to
// a protocol code without parsing strings.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Name returns the fixed snake_case string for this error's code.
func (e *Error) Name() string {
	if n, ok := names[e.Code]; ok {
		return n
	}
	return names[CodeUnknown]
}

// New builds an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an *Error with the given code, message, and wrapped cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
