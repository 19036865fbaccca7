// Package etcd implements directory.Store on top of an etcd cluster. DNs are
// mapped to hierarchical keys so that subtree searches become prefix scans,
// and the delete-old/add-new modification pair is compiled into a single
// transaction guarded by the entry's mod revision, which is the closest etcd
// analogue of the replicated directory's best-effort compare-and-swap.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowchartsman/retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/directory"
)

const (
	dialTimeout   = 5 * time.Second
	readTimeout   = 5 * time.Second
	writeTimeout  = 5 * time.Second
	searchTimeout = 10 * time.Second

	dialProbeAttempts = 5
)

// Store implements directory.Store backed by etcd.
type Store struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

var _ directory.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New connects to etcd at the given endpoints and returns a Store rooted at
// prefix. The connection is probed before returning so that a misconfigured
// endpoint fails at startup rather than on the first range renewal.
func New(ctx context.Context, endpoints []string, prefix string, opts ...Option) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}

	s := &Store{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/") + "/",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	retrier := retry.NewRetrier(dialProbeAttempts, 100*time.Millisecond, time.Second)
	err = retrier.RunContext(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		_, err := client.Get(probeCtx, s.prefix, clientv3.WithCountOnly(), clientv3.WithPrefix())
		return err
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("probing etcd: %w", err)
	}
	return s, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// storedRecord is the JSON value held at each key.
type storedRecord struct {
	Attributes     map[string][]string `json:"attributes"`
	ConflictMarked bool                `json:"conflict_marked,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// keyForDN maps a DN to an etcd key. RDNs are reversed so that the base of a
// subtree is a key prefix: "cn=certificate,ou=ranges,dc=ca" becomes
// "<prefix>dc=ca/ou=ranges/cn=certificate".
func (s *Store) keyForDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return s.prefix + strings.Join(parts, "/")
}

func (s *Store) dnForKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, s.prefix), "/")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ",")
}

func decodeRecord(dn string, data []byte) (*directory.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", dn, err)
	}
	return &directory.Record{
		DN:             dn,
		Attributes:     sr.Attributes,
		ConflictMarked: sr.ConflictMarked,
		CreatedAt:      sr.CreatedAt,
	}, nil
}

func encodeRecord(rec *directory.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		Attributes:     rec.Attributes,
		ConflictMarked: rec.ConflictMarked,
		CreatedAt:      rec.CreatedAt,
	})
}

func (s *Store) Read(ctx context.Context, dn string) (*directory.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.keyForDN(dn))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, directory.ErrNotFound
	}
	return decodeRecord(dn, resp.Kvs[0].Value)
}

func (s *Store) Search(ctx context.Context, base string, filter directory.Filter) ([]*directory.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	// Two reads: the base entry itself, then its subtree. A bare prefix
	// scan on the base key would also sweep up sibling keys that merely
	// share its text.
	baseKey := s.keyForDN(base)
	baseResp, err := s.client.Get(ctx, baseKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	subResp, err := s.client.Get(ctx, baseKey+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}

	var out []*directory.Record
	for _, resp := range []*clientv3.GetResponse{baseResp, subResp} {
		for _, kv := range resp.Kvs {
			rec, err := decodeRecord(s.dnForKey(string(kv.Key)), kv.Value)
			if err != nil {
				s.logger.Warn("skipping undecodable directory entry",
					zap.String("key", string(kv.Key)), zap.Error(err))
				continue
			}
			if filter.Matches(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (s *Store) Modify(ctx context.Context, dn string, del, add directory.Attr) (directory.ModifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	key := s.keyForDN(dn)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return directory.ModifyUnavailable, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return directory.ModifyUnavailable, directory.ErrNotFound
	}
	kv := resp.Kvs[0]
	rec, err := decodeRecord(dn, kv.Value)
	if err != nil {
		return directory.ModifyUnavailable, err
	}

	if !removeValue(rec.Attributes, del.Name, del.Value) {
		// The named old value is already gone: someone else won the race.
		return directory.ModifyConflict, nil
	}
	rec.Attributes[add.Name] = append(rec.Attributes[add.Name], add.Value)

	data, err := encodeRecord(rec)
	if err != nil {
		return directory.ModifyUnavailable, err
	}

	// Guard the write with the revision observed above so a concurrent
	// writer invalidates, rather than clobbers, this swap.
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return directory.ModifyUnavailable, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if !txn.Succeeded {
		return directory.ModifyConflict, nil
	}
	return directory.ModifyApplied, nil
}

func removeValue(attrs map[string][]string, name, value string) bool {
	vals := attrs[name]
	for i, v := range vals {
		if v == value {
			attrs[name] = append(vals[:i], vals[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) Add(ctx context.Context, dn string, rec *directory.Record) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	stored := &directory.Record{
		DN:             dn,
		Attributes:     rec.Attributes,
		ConflictMarked: rec.ConflictMarked,
		CreatedAt:      rec.CreatedAt,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}

	key := s.keyForDN(dn)
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if !txn.Succeeded {
		// Two writers created the same entry. Keep the survivor but
		// conflict-mark it so reconciliation can find the collision.
		return s.markConflict(ctx, dn, key)
	}
	return nil
}

func (s *Store) markConflict(ctx context.Context, dn, key string) error {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	rec, err := decodeRecord(dn, resp.Kvs[0].Value)
	if err != nil {
		return err
	}
	rec.ConflictMarked = true
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	s.logger.Warn("conflict-marked colliding directory entry", zap.String("dn", dn))
	return nil
}

func (s *Store) Delete(ctx context.Context, dn string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	resp, err := s.client.Delete(ctx, s.keyForDN(dn))
	if err != nil {
		return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	if resp.Deleted == 0 {
		return directory.ErrNotFound
	}
	return nil
}
