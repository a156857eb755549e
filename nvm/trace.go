package nvm

import (
	"encoding/binary"
	"errors"

	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
)

// The write trace records every storage mutation in order, TLV-framed so a
// harness can persist it next to a snapshot and replay the exact sequence
// of granule writes around a power cut.

const (
	opWrite   = 'W'
	opErase   = 'E'
	opBarrier = 'B'
	opCut     = 'C'
)

type TraceOp struct {
	Kind byte
	Addr uint32
	Size uint32
}

var ErrBadTrace = errors.New("nvm: bad trace record")

func (s *Sim) tr(kind byte, addr, size uint32) {
	var body [9]byte
	body[0] = kind
	binary.LittleEndian.PutUint32(body[1:5], addr)
	binary.LittleEndian.PutUint32(body[5:9], size)
	s.trace = toytlv.Append(s.trace, 'O', body[:])
}

// TraceBytes is the raw TLV trace of the current power cycle.
func (s *Sim) TraceBytes() []byte { return s.trace }

// TraceRecords reframes the trace as individual TLV records.
func (s *Sim) TraceRecords() (recs toyqueue.Records) {
	rest := s.trace
	for len(rest) > 0 {
		var body []byte
		body, rest = toytlv.Take('O', rest)
		if body == nil {
			break
		}
		recs = append(recs, toytlv.Record('O', body))
	}
	return
}

// DecodeTrace parses a raw TLV trace back into ops.
func DecodeTrace(data []byte) (ops []TraceOp, err error) {
	rest := data
	for len(rest) > 0 {
		var body []byte
		body, rest, err = toytlv.TakeWary('O', rest)
		if err != nil {
			return nil, err
		}
		if len(body) != 9 {
			return nil, ErrBadTrace
		}
		ops = append(ops, TraceOp{
			Kind: body[0],
			Addr: binary.LittleEndian.Uint32(body[1:5]),
			Size: binary.LittleEndian.Uint32(body[5:9]),
		})
	}
	return
}
