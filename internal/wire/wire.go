// Package wire encodes stage specs and acknowledgements as MessagePack maps.
//
// Every message is a map keyed by field name. Readers skip unknown keys so
// workers and masters of different versions can still talk.
package wire

import (
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"

	"conductor/internal/stage"
	"conductor/internal/stats"
)

// AppendSpec appends s to b.
func AppendSpec(b []byte, s stage.Spec) []byte {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, s.Type)
	b = msgp.AppendString(b, "name")
	b = msgp.AppendString(b, s.Name)
	b = msgp.AppendString(b, "properties")
	return msgp.AppendBytes(b, s.Properties)
}

// ReadSpec reads a spec from b and returns the remaining bytes.
func ReadSpec(b []byte) (stage.Spec, []byte, error) {
	var s stage.Spec
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return s, b, fmt.Errorf("wire: spec header: %w", err)
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return s, b, fmt.Errorf("wire: spec key: %w", err)
		}
		switch key {
		case "type":
			s.Type, b, err = msgp.ReadStringBytes(b)
		case "name":
			s.Name, b, err = msgp.ReadStringBytes(b)
		case "properties":
			s.Properties, b, err = msgp.ReadBytesBytes(b, nil)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return s, b, fmt.Errorf("wire: spec field %q: %w", key, err)
		}
	}
	return s, b, nil
}

// AppendAck appends a to b.
func AppendAck(b []byte, a stage.Ack) []byte {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "worker")
	b = msgp.AppendInt(b, a.Worker)
	b = msgp.AppendString(b, "success")
	b = msgp.AppendBool(b, a.Success)
	b = msgp.AppendString(b, "error")
	b = msgp.AppendString(b, a.Error)
	b = msgp.AppendString(b, "stats")
	if a.Statistics == nil {
		return msgp.AppendNil(b)
	}
	return AppendSnapshot(b, *a.Statistics)
}

// ReadAck reads an ack from b and returns the remaining bytes.
func ReadAck(b []byte) (stage.Ack, []byte, error) {
	var a stage.Ack
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return a, b, fmt.Errorf("wire: ack header: %w", err)
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return a, b, fmt.Errorf("wire: ack key: %w", err)
		}
		switch key {
		case "worker":
			a.Worker, b, err = msgp.ReadIntBytes(b)
		case "success":
			a.Success, b, err = msgp.ReadBoolBytes(b)
		case "error":
			a.Error, b, err = msgp.ReadStringBytes(b)
		case "stats":
			if msgp.IsNil(b) {
				b, err = msgp.ReadNilBytes(b)
				break
			}
			var snap stats.Snapshot
			snap, b, err = ReadSnapshot(b)
			if err == nil {
				a.Statistics = &snap
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return a, b, fmt.Errorf("wire: ack field %q: %w", key, err)
		}
	}
	return a, b, nil
}

// AppendSnapshot appends s to b. Zero window bounds are encoded as 0.
func AppendSnapshot(b []byte, s stats.Snapshot) []byte {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "begin")
	b = msgp.AppendInt64(b, unixNano(s.Begin()))
	b = msgp.AppendString(b, "end")
	b = msgp.AppendInt64(b, unixNano(s.End()))
	b = msgp.AppendString(b, "ops")

	ops := s.Operations()
	b = msgp.AppendArrayHeader(b, uint32(len(ops)))
	for _, op := range ops {
		os, _ := s.Get(op)
		b = msgp.AppendMapHeader(b, 5)
		b = msgp.AppendString(b, "op")
		b = msgp.AppendString(b, string(op))
		b = msgp.AppendString(b, "requests")
		b = msgp.AppendInt64(b, os.Requests)
		b = msgp.AppendString(b, "errors")
		b = msgp.AppendInt64(b, os.Errors)
		b = msgp.AppendString(b, "timed")
		b = msgp.AppendInt64(b, os.Timed)
		b = msgp.AppendString(b, "latency")
		b = msgp.AppendInt64(b, int64(os.TotalLatency))
	}
	return b
}

// ReadSnapshot reads a snapshot from b and returns the remaining bytes.
func ReadSnapshot(b []byte) (stats.Snapshot, []byte, error) {
	var (
		begin, end int64
		ops        = make(map[stats.Operation]stats.OperationStats)
	)
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return stats.Snapshot{}, b, fmt.Errorf("wire: snapshot header: %w", err)
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return stats.Snapshot{}, b, fmt.Errorf("wire: snapshot key: %w", err)
		}
		switch key {
		case "begin":
			begin, b, err = msgp.ReadInt64Bytes(b)
		case "end":
			end, b, err = msgp.ReadInt64Bytes(b)
		case "ops":
			b, err = readOperations(b, ops)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return stats.Snapshot{}, b, fmt.Errorf("wire: snapshot field %q: %w", key, err)
		}
	}
	return stats.NewSnapshot(fromUnixNano(begin), fromUnixNano(end), ops), b, nil
}

func readOperations(b []byte, into map[stats.Operation]stats.OperationStats) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var (
			op     string
			os     stats.OperationStats
			fields uint32
		)
		fields, b, err = msgp.ReadMapHeaderBytes(b)
		if err != nil {
			return b, err
		}
		for j := uint32(0); j < fields; j++ {
			var key string
			key, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return b, err
			}
			switch key {
			case "op":
				op, b, err = msgp.ReadStringBytes(b)
			case "requests":
				os.Requests, b, err = msgp.ReadInt64Bytes(b)
			case "errors":
				os.Errors, b, err = msgp.ReadInt64Bytes(b)
			case "timed":
				os.Timed, b, err = msgp.ReadInt64Bytes(b)
			case "latency":
				var nanos int64
				nanos, b, err = msgp.ReadInt64Bytes(b)
				os.TotalLatency = time.Duration(nanos)
			default:
				b, err = msgp.Skip(b)
			}
			if err != nil {
				return b, fmt.Errorf("operation %d field %q: %w", i, key, err)
			}
		}
		into[stats.Operation(op)] = into[stats.Operation(op)].Add(os)
	}
	return b, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// MarshalSpec encodes s into a new buffer.
func MarshalSpec(s stage.Spec) []byte { return AppendSpec(nil, s) }

// UnmarshalSpec decodes a spec that must fill b exactly.
func UnmarshalSpec(b []byte) (stage.Spec, error) {
	s, rest, err := ReadSpec(b)
	if err != nil {
		return s, err
	}
	if len(rest) != 0 {
		return s, fmt.Errorf("wire: %d trailing bytes after spec", len(rest))
	}
	return s, nil
}

// MarshalAck encodes a into a new buffer.
func MarshalAck(a stage.Ack) []byte { return AppendAck(nil, a) }

// UnmarshalAck decodes an ack that must fill b exactly.
func UnmarshalAck(b []byte) (stage.Ack, error) {
	a, rest, err := ReadAck(b)
	if err != nil {
		return a, err
	}
	if len(rest) != 0 {
		return a, fmt.Errorf("wire: %d trailing bytes after ack", len(rest))
	}
	return a, nil
}
