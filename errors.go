package oplog

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrOplogExists        = errors.New("oplog already exists", j.C("ERR_3a6cb6ab4da6e63d"))
	ErrOplogNotFound      = errors.New("oplog not found", j.C("ERR_14cfdba84da1b63a"))
	ErrEntryNotFound      = errors.New("oplog entry not found", j.C("ERR_83b2adbb54c317e1"))
	ErrIDExists           = errors.New("id already exists", j.C("ERR_1e87a4e5b3fa2d11"))
	ErrIDNotMonotone      = errors.New("id not greater than last id", j.C("ERR_7f32cc89d2b411aa"))
	ErrRegionOpen         = errors.New("region already open", j.C("ERR_9ab1f3e07d5c22b4"))
	ErrRegionNotOpen      = errors.New("region not open", j.C("ERR_c43d8f1a6e90b372"))
	ErrPayloadNotFound    = errors.New("oplog payload not found", j.C("ERR_55e0c1d9fab8e023"))
	ErrPayloadChecksum    = errors.New("oplog payload checksum mismatch", j.C("ERR_d27b3c4a81ff6e90"))
	ErrInvalidCursor      = errors.New("invalid scan cursor", j.C("ERR_6c1f09e8d4523ab7"))
	ErrUnknownEntryKind   = errors.New("unknown oplog entry kind", j.C("ERR_e84b51d0c6f3a2b9"))
	ErrInvalidWorkerID    = errors.New("invalid worker id", j.C("ERR_0b7d5e92c3a1f846"))
	ErrReplayMismatch     = errors.New("unexpected oplog entry during replay", j.C("ERR_42af8c60e19d3b75"))
	ErrInterrupted        = errors.New("worker interrupted", j.C("ERR_90c2e7f1a58d4b36"))
	ErrInvocationNotFound = errors.New("pending invocation not found", j.C("ERR_31d6b0a9f47e2c85"))
)
