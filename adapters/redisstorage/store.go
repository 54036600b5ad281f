// Package redisstorage implements IndexedStorage on redis streams. Each
// key is one stream and entry ids map to stream ids as "<id>-0".
package redisstorage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/golemcloud/oplog"
)

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

type Store struct {
	client redis.UniversalClient
}

var _ oplog.IndexedStorage = (*Store)(nil)

// appendScript validates the id against the current stream head before
// adding, so append errors can distinguish duplicates from regressions.
var appendScript = redis.NewScript(`
	local key = KEYS[1]
	local id = ARGV[1]
	local value = ARGV[2]

	local last = redis.call('XREVRANGE', key, '+', '-', 'COUNT', 1)
	if #last > 0 then
		local lastID = string.match(last[1][1], '^(%d+)-')
		if id == lastID then
			return 'exists'
		end
		if #id < #lastID or (#id == #lastID and id < lastID) then
			return 'not_monotone'
		end
	end

	redis.call('XADD', key, id .. '-0', 'v', value)
	return 'ok'
`)

func (s *Store) key(ns oplog.Namespace, key string) string {
	return ns.Prefix() + ":" + key
}

func (s *Store) Exists(ctx context.Context, ns oplog.Namespace, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(ns, key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return n > 0, nil
}

func (s *Store) Append(ctx context.Context, ns oplog.Namespace, key string, id uint64, value []byte) error {
	res, err := appendScript.Run(ctx, s.client,
		[]string{s.key(ns, key)},
		strconv.FormatUint(id, 10), value,
	).Text()
	if err != nil {
		return errors.Wrap(err, "append")
	}
	switch res {
	case "ok":
		return nil
	case "exists":
		return errors.Wrap(oplog.ErrIDExists, "", j.KV("id", id))
	case "not_monotone":
		return errors.Wrap(oplog.ErrIDNotMonotone, "", j.KV("id", id))
	default:
		return errors.New("unexpected append result", j.KV("result", res))
	}
}

func (s *Store) AppendMany(ctx context.Context, ns oplog.Namespace, key string, pairs []oplog.IDValue) error {
	return oplog.AppendEach(ctx, s, ns, key, pairs)
}

func (s *Store) Length(ctx context.Context, ns oplog.Namespace, key string) (uint64, error) {
	n, err := s.client.XLen(ctx, s.key(ns, key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "length")
	}
	return uint64(n), nil
}

func (s *Store) Read(ctx context.Context, ns oplog.Namespace, key string, start, end uint64) ([]oplog.IDValue, error) {
	msgs, err := s.client.XRange(ctx, s.key(ns, key), streamID(start), streamID(end)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	items := make([]oplog.IDValue, 0, len(msgs))
	for _, msg := range msgs {
		item, err := toIDValue(msg)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) First(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	msgs, err := s.client.XRangeN(ctx, s.key(ns, key), "-", "+", 1).Result()
	if err != nil {
		return oplog.IDValue{}, false, errors.Wrap(err, "first")
	}
	return firstOf(msgs)
}

func (s *Store) Last(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key(ns, key), "+", "-", 1).Result()
	if err != nil {
		return oplog.IDValue{}, false, errors.Wrap(err, "last")
	}
	return firstOf(msgs)
}

func (s *Store) Closest(ctx context.Context, ns oplog.Namespace, key string, id uint64) (oplog.IDValue, bool, error) {
	msgs, err := s.client.XRangeN(ctx, s.key(ns, key), streamID(id), "+", 1).Result()
	if err != nil {
		return oplog.IDValue{}, false, errors.Wrap(err, "closest")
	}
	return firstOf(msgs)
}

func (s *Store) DropPrefix(ctx context.Context, ns oplog.Namespace, key string, lastDropped uint64) error {
	// Entries all use sequence 0, so "<lastDropped>-1" keeps exactly the
	// ids above lastDropped without risking overflow.
	minID := strconv.FormatUint(lastDropped, 10) + "-1"
	err := s.client.XTrimMinID(ctx, s.key(ns, key), minID).Err()
	if err != nil {
		return errors.Wrap(err, "drop prefix")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ns oplog.Namespace, key string) error {
	err := s.client.Del(ctx, s.key(ns, key)).Err()
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, ns oplog.Namespace, pattern string, cursor uint64, count uint64) (uint64, []string, error) {
	prefix := ns.Prefix() + ":"
	keys, next, err := s.client.Scan(ctx, cursor, prefix+pattern, int64(count)).Result()
	if err != nil {
		return 0, nil, errors.Wrap(err, "scan")
	}
	stripped := make([]string, 0, len(keys))
	for _, key := range keys {
		stripped = append(stripped, strings.TrimPrefix(key, prefix))
	}
	return next, stripped, nil
}

func (s *Store) NumberOfReplicas(ctx context.Context) (int, error) {
	info, err := s.client.Info(ctx, "replication").Result()
	if err != nil {
		return 0, errors.Wrap(err, "replication info")
	}
	for _, line := range strings.Split(info, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "connected_slaves:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrap(err, "parse connected_slaves")
		}
		return n, nil
	}
	return 0, errors.New("connected_slaves missing from replication info")
}

func (s *Store) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error) {
	n, err := s.client.Wait(ctx, replicas, timeout).Result()
	if err != nil {
		return 0, errors.Wrap(err, "wait for replicas")
	}
	return int(n), nil
}

func streamID(id uint64) string {
	return strconv.FormatUint(id, 10) + "-0"
}

func toIDValue(msg redis.XMessage) (oplog.IDValue, error) {
	ms, _, ok := strings.Cut(msg.ID, "-")
	if !ok {
		return oplog.IDValue{}, errors.New("malformed stream id", j.KV("id", msg.ID))
	}
	id, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return oplog.IDValue{}, errors.Wrap(err, "parse stream id", j.KV("id", msg.ID))
	}
	value, ok := msg.Values["v"].(string)
	if !ok {
		return oplog.IDValue{}, errors.New("stream value missing", j.KV("id", msg.ID))
	}
	return oplog.IDValue{ID: id, Value: []byte(value)}, nil
}

func firstOf(msgs []redis.XMessage) (oplog.IDValue, bool, error) {
	if len(msgs) == 0 {
		return oplog.IDValue{}, false, nil
	}
	item, err := toIDValue(msgs[0])
	if err != nil {
		return oplog.IDValue{}, false, err
	}
	return item, true, nil
}
