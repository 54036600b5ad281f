package oplog

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Payload is the request or response body of a recorded function call.
// Small bodies are stored inline in the entry. Bodies above the
// configured threshold are offloaded to blob storage and referenced by
// id and content hash.
type Payload struct {
	Inline   []byte           `json:"inline,omitempty"`
	External *ExternalPayload `json:"external,omitempty"`
}

// ExternalPayload references a body stored in blob storage.
type ExternalPayload struct {
	ID  uuid.UUID `json:"id"`
	MD5 string    `json:"md5"`
}

// InlinePayload wraps data as an inline payload regardless of size.
func InlinePayload(data []byte) Payload {
	return Payload{Inline: data}
}

func (p Payload) IsExternal() bool {
	return p.External != nil
}

// payloadStore uploads and downloads payloads, offloading anything larger
// than maxInline to blob storage under the worker's payload namespace.
type payloadStore struct {
	blob      BlobStorage
	maxInline int
}

func (s payloadStore) Upload(ctx context.Context, worker WorkerID, data []byte) (Payload, error) {
	if len(data) <= s.maxInline {
		return InlinePayload(data), nil
	}
	id := uuid.New()
	sum := md5.Sum(data)
	ns := BlobNamespaceOplogPayload(worker)
	err := s.blob.Put(ctx, ns, id.String(), data)
	if err != nil {
		return Payload{}, errors.Wrap(err, "upload payload", j.KV("payload_id", id.String()))
	}
	return Payload{External: &ExternalPayload{
		ID:  id,
		MD5: hex.EncodeToString(sum[:]),
	}}, nil
}

func (s payloadStore) Download(ctx context.Context, worker WorkerID, p Payload) ([]byte, error) {
	if !p.IsExternal() {
		return p.Inline, nil
	}
	ns := BlobNamespaceOplogPayload(worker)
	data, ok, err := s.blob.Get(ctx, ns, p.External.ID.String())
	if err != nil {
		return nil, errors.Wrap(err, "download payload", j.KV("payload_id", p.External.ID.String()))
	}
	if !ok {
		return nil, errors.Wrap(ErrPayloadNotFound, "", j.KV("payload_id", p.External.ID.String()))
	}
	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != p.External.MD5 {
		return nil, errors.Wrap(ErrPayloadChecksum, "", j.KV("payload_id", p.External.ID.String()))
	}
	return data, nil
}
