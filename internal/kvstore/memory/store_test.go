package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/kvexport/internal/kvstore"
)

func scanAll(t *testing.T, s *Store, count int, match string) []string {
	t.Helper()
	var all []string
	cursor := kvstore.TerminalCursor
	for i := 0; i < 1000; i++ {
		next, keys, err := s.Scan(context.Background(), cursor, count, match)
		require.NoError(t, err)
		all = append(all, keys...)
		if next == kvstore.TerminalCursor {
			return all
		}
		cursor = next
	}
	t.Fatal("scan did not terminate")
	return nil
}

func TestStore_ScanWalksAllKeys(t *testing.T) {
	s := New(Options{})
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		s.Set(k, k)
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, scanAll(t, s, 2, ""))
	assert.Equal(t, 3, s.Calls("scan"))
}

func TestStore_ScanEmptyStore(t *testing.T) {
	s := New(Options{})
	next, keys, err := s.Scan(context.Background(), "0", 10, "")
	require.NoError(t, err)
	assert.Equal(t, "0", next)
	assert.Empty(t, keys)
}

func TestStore_ScanEmptyPages(t *testing.T) {
	s := New(Options{EmptyPageEvery: 2})
	for _, k := range []string{"a", "b", "c", "d"} {
		s.Set(k, k)
	}

	next, keys, err := s.Scan(context.Background(), "0", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	next2, keys, err := s.Scan(context.Background(), next, 2, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, next, next2)
	assert.NotEqual(t, "0", next2)

	assert.Equal(t, []string{"c", "d"}, scanAll(t, s, 2, "")[2:])
}

func TestStore_ScanMatchAndRepeat(t *testing.T) {
	s := New(Options{RepeatLastKey: true})
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		s.Set(k, k)
	}

	keys := scanAll(t, s, 2, "")
	assert.Equal(t, []string{"order:1", "user:1", "user:1", "user:2"}, keys)

	s2 := New(Options{})
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		s2.Set(k, k)
	}
	assert.Equal(t, []string{"user:1", "user:2"}, scanAll(t, s2, 1, "user:*"))
}

func TestStore_ScanInvalidCursor(t *testing.T) {
	s := New(Options{})
	_, _, err := s.Scan(context.Background(), "bogus", 10, "")
	assert.True(t, kvstore.IsFatal(err))
}

func TestStore_TypesAndTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(Options{})
	s.SetClock(func() time.Time { return now })

	s.Set("str", "v")
	s.RPush("list", "a", "b")
	s.SAdd("set", "x", "y")
	s.HSet("hash", "f", "v")
	s.ZAdd("zset", 1.5, "m")
	require.True(t, s.PExpire("hash", 5*time.Second))
	assert.False(t, s.PExpire("missing", time.Second))

	ctx := context.Background()
	for key, typ := range map[string]string{
		"str":     kvstore.TypeString,
		"list":    kvstore.TypeList,
		"set":     kvstore.TypeSet,
		"hash":    kvstore.TypeHash,
		"zset":    kvstore.TypeZSet,
		"missing": kvstore.TypeNone,
	} {
		got, err := s.Type(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, typ, got, key)
	}

	ttl, err := s.PTTL(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ttl)

	ttl, err = s.PTTL(ctx, "str")
	require.NoError(t, err)
	assert.Equal(t, kvstore.TTLNoExpiry, ttl)

	ttl, err = s.PTTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, kvstore.TTLMissing, ttl)

	now = now.Add(6 * time.Second)
	typ, err := s.Type(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, kvstore.TypeNone, typ)
	assert.Equal(t, 4, s.Len())
}

func TestStore_DumpRoundTrip(t *testing.T) {
	s := New(Options{})
	s.SAdd("set", "b", "a")

	dump, err := s.Dump(context.Background(), "set")
	require.NoError(t, err)

	typ, value, err := Decode(dump)
	require.NoError(t, err)
	assert.Equal(t, kvstore.TypeSet, typ)
	assert.Equal(t, []any{"a", "b"}, value)

	missing, err := s.Dump(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_MultiGet(t *testing.T) {
	s := New(Options{})
	s.Set("a", "1")
	s.RPush("l", "x")

	values, err := s.MultiGet(context.Background(), []string{"a", "l", "missing"})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "1", *values[0])
	assert.Nil(t, values[1])
	assert.Nil(t, values[2])
}

func TestStore_Pipeline(t *testing.T) {
	s := New(Options{})
	s.Set("a", "1")

	results, err := s.Pipeline(context.Background(), [][]string{
		{"TYPE", "a"}, {"DUMP", "a"}, {"PTTL", "a"}, {"GET", "a"}, {"NOPE", "a"}, {"DUMP", "gone"},
	})
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.Equal(t, "string", results[0].String())
	assert.NotEmpty(t, results[1].Bytes())
	n, _ := results[2].Int()
	assert.Equal(t, int64(-1), n)
	assert.Equal(t, "1", results[3].String())
	assert.Error(t, results[4].Err)
	assert.Nil(t, results[5].Bytes())
	assert.Equal(t, 1, s.Calls("pipeline"))
}

func TestStore_Hooks(t *testing.T) {
	s := New(Options{})
	s.Set("a", "1")
	boom := errors.New("boom")

	s.SetHooks(Hooks{
		Scan:     func(call int, cursor string) error { return boom },
		MultiGet: func(keys []string) error { return boom },
		Call: func(op, key string) error {
			if op == "DUMP" || op == "dump" {
				s.Del(key)
			}
			return nil
		},
	})

	_, _, err := s.Scan(context.Background(), "0", 10, "")
	assert.ErrorIs(t, err, boom)
	_, err = s.MultiGet(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)

	dump, err := s.Dump(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, dump, "hook deleted the key before the dump")
}
