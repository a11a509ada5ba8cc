// Package redis implements the storage port on a single Redis instance.
// Each record lives in a hash with "ver" and "val" fields; conditional
// batches run through an embedded Lua script so version checks and writes
// happen atomically on the server.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ctoriola/orderly-fresh/internal/store"
)

//go:embed commit.lua
var commitScript string

type Options struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Store struct {
	client *redis.Client
	prefix string

	mu  sync.Mutex
	sha string
}

// Open connects, verifies the connection with a ping and preloads the
// commit script.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	s := &Store{client: client, prefix: opts.KeyPrefix}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.loadScript(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return store.Record{}, unavailable(err)
	}
	if len(fields) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return recordFromHash(key, fields)
}

func (s *Store) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	res, err := s.evalCommit(ctx,
		[]string{s.prefix + key},
		[]interface{}{version, "put", value},
	)
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]store.Record, error) {
	var keys []string
	var cursor uint64
	match := escapeMatch(s.prefix+prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	records := make([]store.Record, 0, len(keys))
	for i, k := range keys {
		fields, err := cmds[i].Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromHash(strings.TrimPrefix(k, s.prefix), fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(writes))
	args := make([]interface{}, 0, len(writes)*3)
	for _, w := range writes {
		keys = append(keys, s.prefix+w.Key)
		op := "put"
		if w.Delete {
			op = "del"
		}
		args = append(args, w.Version, op, w.Value)
	}
	_, err := s.evalCommit(ctx, keys, args)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// evalCommit runs the commit script by SHA, reloading it once when the
// server has lost its script cache.
func (s *Store) evalCommit(ctx context.Context, keys []string, args []interface{}) (int64, error) {
	s.mu.Lock()
	sha := s.sha
	s.mu.Unlock()

	res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		if err = s.loadScript(ctx); err != nil {
			return 0, err
		}
		s.mu.Lock()
		sha = s.sha
		s.mu.Unlock()
		res, err = s.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return 0, unavailable(err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, unavailable(fmt.Errorf("unexpected commit reply %v", res))
	}
	status, _ := reply[0].(int64)
	if status != 1 {
		return 0, store.ErrConflict
	}
	last, _ := reply[1].(int64)
	return last, nil
}

func (s *Store) loadScript(ctx context.Context) error {
	sha, err := s.client.ScriptLoad(ctx, commitScript).Result()
	if err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	s.sha = sha
	s.mu.Unlock()
	return nil
}

func recordFromHash(key string, fields map[string]string) (store.Record, error) {
	version, err := strconv.ParseInt(fields["ver"], 10, 64)
	if err != nil {
		return store.Record{}, unavailable(fmt.Errorf("corrupt version for %q: %v", key, err))
	}
	return store.Record{Key: key, Value: []byte(fields["val"]), Version: version}, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// escapeMatch quotes glob metacharacters so stored keys never widen a SCAN
// pattern.
func escapeMatch(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
