// Package memory provides an in-memory kvstore.Client used as a test double
// for the export pipeline. It models the Redis data types, millisecond
// expiries and cursor-based SCAN, and can inject faults per operation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syntrixbase/kvexport/internal/kvstore"
)

// Hooks inject behavior before an operation touches the data. A non-nil
// error is returned to the caller as the operation result. Hooks run without
// the store lock held, so they may mutate the store.
type Hooks struct {
	Scan     func(call int, cursor string) error
	MultiGet func(keys []string) error
	Call     func(op, key string) error
	Pipeline func(cmds [][]string) error
}

// Options tunes SCAN behavior.
type Options struct {
	// EmptyPageEvery makes every Nth SCAN call return no keys with a
	// non-terminal cursor.
	EmptyPageEvery int

	// RepeatLastKey makes every page after the first repeat the last key of
	// the previous page, the way SCAN may return a key more than once.
	RepeatLastKey bool
}

type entry struct {
	typ      string
	value    any
	expireAt time.Time
}

// Store is a goroutine-safe in-memory store.
type Store struct {
	mu    sync.Mutex
	data  map[string]*entry
	opts  Options
	hooks Hooks
	now   func() time.Time

	scans int
	calls map[string]int
}

var (
	_ kvstore.Client    = (*Store)(nil)
	_ kvstore.Pipeliner = (*Store)(nil)
)

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		data:  make(map[string]*entry),
		opts:  opts,
		now:   time.Now,
		calls: make(map[string]int),
	}
}

// SetHooks replaces the fault injection hooks.
func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// SetClock replaces the time source used for expiries.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Set stores a string value.
func (s *Store) Set(key, value string) {
	s.put(key, kvstore.TypeString, value)
}

// RPush appends to a list.
func (s *Store) RPush(key string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, _ := s.lookup(key, kvstore.TypeList).([]string)
	s.data[key] = &entry{typ: kvstore.TypeList, value: append(list, values...), expireAt: s.expiry(key)}
}

// SAdd adds members to a set.
func (s *Store) SAdd(key string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, _ := s.lookup(key, kvstore.TypeSet).(map[string]struct{})
	if set == nil {
		set = make(map[string]struct{})
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.data[key] = &entry{typ: kvstore.TypeSet, value: set, expireAt: s.expiry(key)}
}

// HSet sets a hash field.
func (s *Store) HSet(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, _ := s.lookup(key, kvstore.TypeHash).(map[string]string)
	if hash == nil {
		hash = make(map[string]string)
	}
	hash[field] = value
	s.data[key] = &entry{typ: kvstore.TypeHash, value: hash, expireAt: s.expiry(key)}
}

// ZAdd adds a scored member to a sorted set.
func (s *Store) ZAdd(key string, score float64, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zset, _ := s.lookup(key, kvstore.TypeZSet).(map[string]float64)
	if zset == nil {
		zset = make(map[string]float64)
	}
	zset[member] = score
	s.data[key] = &entry{typ: kvstore.TypeZSet, value: zset, expireAt: s.expiry(key)}
}

// PExpire sets a time to live on an existing key.
func (s *Store) PExpire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false
	}
	e.expireAt = s.now().Add(ttl)
	return true
}

// Del removes keys.
func (s *Store) Del(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveKeys())
}

// Scan implements kvstore.Client. Cursors are positions in the sorted key
// space, shifted by one so that only the terminal cursor is "0".
func (s *Store) Scan(ctx context.Context, cursor string, count int, match string) (string, []string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.scans++
	call := s.scans
	s.calls["scan"]++
	hook := s.hooks.Scan
	s.mu.Unlock()

	if hook != nil {
		if err := hook(call, cursor); err != nil {
			return "", nil, err
		}
	}

	pos := 0
	if cursor != kvstore.TerminalCursor {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return "", nil, &kvstore.FatalCallError{Op: "scan", Err: fmt.Errorf("invalid cursor %q", cursor)}
		}
		pos = n - 1
	}
	if count <= 0 {
		count = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.liveKeys()
	if pos > len(keys) {
		pos = len(keys)
	}
	if s.opts.EmptyPageEvery > 0 && call%s.opts.EmptyPageEvery == 0 && pos < len(keys) {
		return strconv.Itoa(pos + 1), nil, nil
	}

	end := min(pos+count, len(keys))
	page := make([]string, 0, end-pos+1)
	if s.opts.RepeatLastKey && pos > 0 {
		page = append(page, keys[pos-1])
	}
	for _, k := range keys[pos:end] {
		if match != "" {
			if ok, _ := path.Match(match, k); !ok {
				continue
			}
		}
		page = append(page, k)
	}

	if end >= len(keys) {
		return kvstore.TerminalCursor, page, nil
	}
	return strconv.Itoa(end + 1), page, nil
}

// MultiGet implements kvstore.Client.
func (s *Store) MultiGet(ctx context.Context, keys []string) ([]*string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls["mget"]++
	hook := s.hooks.MultiGet
	s.mu.Unlock()

	if hook != nil {
		if err := hook(keys); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]*string, len(keys))
	for i, k := range keys {
		values[i] = s.get(k)
	}
	return values, nil
}

// Type implements kvstore.Client.
func (s *Store) Type(ctx context.Context, key string) (string, error) {
	if err := s.before(ctx, "type", key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeOf(key), nil
}

// Dump implements kvstore.Client.
func (s *Store) Dump(ctx context.Context, key string) ([]byte, error) {
	if err := s.before(ctx, "dump", key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dump(key)
}

// PTTL implements kvstore.Client.
func (s *Store) PTTL(ctx context.Context, key string) (int64, error) {
	if err := s.before(ctx, "pttl", key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pttl(key), nil
}

// Pipeline implements kvstore.Pipeliner for GET, TYPE, DUMP and PTTL.
func (s *Store) Pipeline(ctx context.Context, cmds [][]string) ([]kvstore.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls["pipeline"]++
	pipeHook := s.hooks.Pipeline
	callHook := s.hooks.Call
	s.mu.Unlock()

	if pipeHook != nil {
		if err := pipeHook(cmds); err != nil {
			return nil, err
		}
	}

	results := make([]kvstore.Result, len(cmds))
	for i, cmd := range cmds {
		if len(cmd) != 2 {
			results[i] = kvstore.Result{Err: fmt.Errorf("ERR wrong number of arguments")}
			continue
		}
		if callHook != nil {
			if err := callHook(cmd[0], cmd[1]); err != nil {
				results[i] = kvstore.Result{Err: err}
				continue
			}
		}

		s.mu.Lock()
		switch cmd[0] {
		case "GET":
			if v := s.get(cmd[1]); v != nil {
				results[i] = kvstore.Result{Value: *v}
			}
		case "TYPE":
			results[i] = kvstore.Result{Value: s.typeOf(cmd[1])}
		case "DUMP":
			dump, err := s.dump(cmd[1])
			if dump != nil {
				results[i] = kvstore.Result{Value: dump, Err: err}
			} else {
				results[i] = kvstore.Result{Err: err}
			}
		case "PTTL":
			results[i] = kvstore.Result{Value: s.pttl(cmd[1])}
		default:
			results[i] = kvstore.Result{Err: fmt.Errorf("ERR unknown command '%s'", cmd[0])}
		}
		s.mu.Unlock()
	}
	return results, nil
}

// Decode parses a payload produced by Dump back into its type and value.
func Decode(dump []byte) (string, any, error) {
	var p payload
	if err := json.Unmarshal(dump, &p); err != nil {
		return "", nil, err
	}
	return p.Type, p.Value, nil
}

type payload struct {
	Type  string `json:"t"`
	Value any    `json:"v"`
}

func (s *Store) before(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks.Call
	s.mu.Unlock()

	if hook != nil {
		return hook(op, key)
	}
	return nil
}

func (s *Store) put(key, typ string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{typ: typ, value: value}
}

// live returns the entry for key, evicting it if expired. Callers hold mu.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) lookup(key, typ string) any {
	e := s.live(key)
	if e == nil || e.typ != typ {
		return nil
	}
	return e.value
}

func (s *Store) expiry(key string) time.Time {
	if e := s.live(key); e != nil {
		return e.expireAt
	}
	return time.Time{}
}

func (s *Store) liveKeys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if s.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) get(key string) *string {
	e := s.live(key)
	if e == nil || e.typ != kvstore.TypeString {
		return nil
	}
	v := e.value.(string)
	return &v
}

func (s *Store) typeOf(key string) string {
	e := s.live(key)
	if e == nil {
		return kvstore.TypeNone
	}
	return e.typ
}

func (s *Store) dump(key string) ([]byte, error) {
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	var value any
	switch v := e.value.(type) {
	case map[string]struct{}:
		members := make([]string, 0, len(v))
		for m := range v {
			members = append(members, m)
		}
		sort.Strings(members)
		value = members
	default:
		value = v
	}
	return json.Marshal(payload{Type: e.typ, Value: value})
}

func (s *Store) pttl(key string) int64 {
	e := s.live(key)
	if e == nil {
		return kvstore.TTLMissing
	}
	if e.expireAt.IsZero() {
		return kvstore.TTLNoExpiry
	}
	return e.expireAt.Sub(s.now()).Milliseconds()
}
