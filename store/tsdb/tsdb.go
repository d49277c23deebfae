// Package tsdb is an embedded time-series backend for the telemetry store,
// built on a pebble key-value store.
//
// Keys sort by measurement, drone and capture time:
//
//	<measurement> 0x00 <drone_id> 0x00 <unix nanos, big endian> <uuid>
//
// so a trailing window for one drone is a single range scan. Values are the
// point's tags and fields encoded as CBOR.
package tsdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/store"
)

const sep = 0x00

var ErrInvalidKey = errors.New("tsdb: invalid key")

// ErrInvalidSeries is returned by Write for a measurement or drone id that
// contains the key separator.
var ErrInvalidSeries = errors.New("tsdb: invalid series")

type options struct {
	fs     vfs.FS
	logger *zap.Logger
	sync   bool
}

type Option func(*options)

// MemBacked keeps the database in memory.
func MemBacked() Option {
	return func(o *options) { o.fs = vfs.NewMem() }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NoSync skips fsync on batch commits.
func NoSync() Option {
	return func(o *options) { o.sync = false }
}

// DB implements store.Backend.
type DB struct {
	db     *pebble.DB
	logger *zap.Logger
	wo     *pebble.WriteOptions
}

type value struct {
	Tags   map[string]string `cbor:"1,keyasint"`
	Fields map[string]any    `cbor:"2,keyasint"`
}

// Open opens or creates the database in dirname.
func Open(dirname string, opts ...Option) (*DB, error) {
	o := options{sync: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	db, err := pebble.Open(dirname, &pebble.Options{FS: o.fs})
	if err != nil {
		return nil, fmt.Errorf("tsdb: opening %s: %w", dirname, err)
	}
	wo := pebble.Sync
	if !o.sync {
		wo = pebble.NoSync
	}
	o.logger.Info("opened telemetry database", zap.String("dir", dirname))
	return &DB{db: db, logger: o.logger, wo: wo}, nil
}

func seriesPrefix(measurement, droneID string) []byte {
	k := make([]byte, 0, len(measurement)+len(droneID)+2)
	k = append(k, measurement...)
	k = append(k, sep)
	k = append(k, droneID...)
	return append(k, sep)
}

func measurementPrefix(measurement string) []byte {
	return append([]byte(measurement), sep)
}

func timeBytes(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func encodeKey(p store.Point) []byte {
	id := uuid.New()
	k := seriesPrefix(p.Measurement, p.Tags[store.TagDroneID])
	k = append(k, timeBytes(p.Time)...)
	return append(k, id[:]...)
}

// decodeKey splits a key into drone id and capture time.
func decodeKey(key []byte) (droneID string, at time.Time, err error) {
	i := bytes.IndexByte(key, sep)
	if i < 0 {
		return "", time.Time{}, ErrInvalidKey
	}
	rest := key[i+1:]
	j := bytes.IndexByte(rest, sep)
	if j < 0 || len(rest) < j+1+8 {
		return "", time.Time{}, ErrInvalidKey
	}
	nanos := binary.BigEndian.Uint64(rest[j+1 : j+9])
	return string(rest[:j]), time.Unix(0, int64(nanos)).UTC(), nil
}

// upperBound is the smallest key greater than every key starting with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (d *DB) Write(ctx context.Context, points []store.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.db.NewBatch()
	defer b.Close()
	for _, p := range points {
		if strings.IndexByte(p.Measurement, sep) >= 0 || strings.IndexByte(p.Tags[store.TagDroneID], sep) >= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidSeries, p.Tags[store.TagDroneID])
		}
		v, err := cbor.Marshal(value{Tags: p.Tags, Fields: p.Fields})
		if err != nil {
			return fmt.Errorf("tsdb: encoding point: %w", err)
		}
		if err := b.Set(encodeKey(p), v, nil); err != nil {
			return err
		}
	}
	return b.Commit(d.wo)
}

func (d *DB) Range(ctx context.Context, q store.Query) ([]store.Record, error) {
	var lower, upper []byte
	if q.DroneID != "" {
		prefix := seriesPrefix(q.Measurement, q.DroneID)
		lower = prefix
		if q.Since.After(time.Unix(0, 0)) {
			lower = append(append([]byte(nil), prefix...), timeBytes(q.Since)...)
		}
		upper = upperBound(prefix)
	} else {
		lower = measurementPrefix(q.Measurement)
		upper = upperBound(lower)
	}
	iter := d.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	var records []store.Record
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return nil, err
		}
		r, err := d.record(q.Measurement, iter.Key(), iter.Value())
		if err != nil {
			d.logger.Warn("skipping unreadable point", zap.Error(err))
			continue
		}
		if r.Time.Before(q.Since) {
			continue
		}
		records = append(records, r)
	}
	return records, errors.Join(iter.Error(), iter.Close())
}

func (d *DB) Latest(ctx context.Context, measurement, droneID string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := seriesPrefix(measurement, droneID)
	iter := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer iter.Close()
	if !iter.Last() {
		return nil, iter.Error()
	}
	r, err := d.record(measurement, iter.Key(), iter.Value())
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) record(measurement string, key, raw []byte) (store.Record, error) {
	droneID, at, err := decodeKey(key)
	if err != nil {
		return store.Record{}, err
	}
	var v value
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return store.Record{}, fmt.Errorf("tsdb: decoding point: %w", err)
	}
	return store.Record{
		Measurement: measurement,
		DroneID:     droneID,
		Time:        at,
		Tags:        v.Tags,
		Fields:      v.Fields,
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
