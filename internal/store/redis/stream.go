package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Stream wraps the Redis Streams commands used for parked claims.
type Stream struct {
	client *redis.Client
	maxLen int64
}

// Entry is one stream record.
type Entry struct {
	ID     string
	Fields map[string]string
}

// NewStream connects to url and verifies the connection. maxLen caps each
// stream approximately; zero leaves streams unbounded.
func NewStream(ctx context.Context, url string, maxLen int64) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client, maxLen: maxLen}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

// Append adds fields to stream and returns the generated entry id.
func (s *Stream) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	if strings.TrimSpace(stream) == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("stream %s: no fields to append", stream)
	}

	id, err := s.client.XAdd(ctx, s.addArgs(stream, fields)).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (s *Stream) addArgs(stream string, fields map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

// Requeue moves entry id to the tail of stream with fields, in one
// MULTI/EXEC. It returns the id of the new entry.
func (s *Stream) Requeue(ctx context.Context, stream, id string, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("stream %s: no fields to requeue", stream)
	}

	var add *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, s.addArgs(stream, fields))
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("requeue %s %s: %w", stream, id, err)
	}
	return add.Val(), nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			fields[k] = fmt.Sprint(v)
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries
}

// Oldest returns up to count entries, oldest first.
func (s *Stream) Oldest(ctx context.Context, stream string, count int64) ([]Entry, error) {
	if count <= 0 {
		return []Entry{}, nil
	}
	msgs, err := s.client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

// Delete removes the entries with ids from stream and returns how many were
// removed.
func (s *Stream) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xdel %s: %w", stream, err)
	}
	return n, nil
}

// Len returns the number of entries in stream.
func (s *Stream) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}
