// Package store is the hub's narrow outbound interface to the meeting
// database shared with the REST layer. The hub reads meeting records at
// room creation and mirrors a handful of facts back (participants,
// recording state, a transcript snapshot); everything else about meetings
// lives behind the REST API.
//
// All traffic goes through a circuit breaker so a slow or dead Redis
// degrades the hub to its in-memory defaults instead of stalling it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
)

// MeetingRecord is the slice of a meeting document the hub cares about.
type MeetingRecord struct {
	RoomID             string
	Title              string
	HostUserID         string
	WaitingRoomEnabled bool
}

// RecordingMeta captures one recording state change.
type RecordingMeta struct {
	RoomID    string
	StartedBy string
	Recording bool
	ChangedAt time.Time
}

// TranscriptEntry is the persisted form of one finalized utterance.
type TranscriptEntry struct {
	EntryID            string  `json:"entry_id"`
	UserID             string  `json:"user_id"`
	DisplayName        string  `json:"user_name"`
	Text               string  `json:"text"`
	Timestamp          int64   `json:"timestamp"`
	SecondsIntoMeeting float64 `json:"seconds_into_meeting"`
	Confidence         float64 `json:"confidence"`
}

// transcriptTTL bounds how long a snapshot lingers. The durable copy is
// POSTed to the REST layer by the host client.
const transcriptTTL = 24 * time.Hour

func meetingKey(roomID string) string      { return fmt.Sprintf("meeting:%s", roomID) }
func transcriptKey(roomID string) string   { return fmt.Sprintf("meeting:%s:transcript", roomID) }
func participantsKey(roomID string) string { return fmt.Sprintf("meeting:%s:participants", roomID) }
func recordingKey(roomID string) string    { return fmt.Sprintf("meeting:%s:recording", roomID) }

// RedisStore implements the meeting store against Redis.
// A nil *RedisStore is valid and behaves as an absent store, so callers
// can run without Redis configured.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore connects to Redis and verifies the connection. Returns an
// error if Redis is unreachable; callers may continue with a nil store.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn(context.Background(), "Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, cb: cb}, nil
}

// execute runs one Redis operation through the circuit breaker.
func (s *RedisStore) execute(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("store unavailable: %w", err)
		}
	}
	return res, err
}

// GetMeeting loads the meeting record for a room. Returns (nil, nil) when
// no record exists; the hub then applies its defaults.
func (s *RedisStore) GetMeeting(ctx context.Context, roomID string) (*MeetingRecord, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.HGetAll(ctx, meetingKey(roomID)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", roomID, err)
	}

	fields, ok := res.(map[string]string)
	if !ok || len(fields) == 0 {
		return nil, nil
	}

	record := &MeetingRecord{
		RoomID:             roomID,
		Title:              fields["title"],
		HostUserID:         fields["host_user_id"],
		WaitingRoomEnabled: true,
	}
	if raw, present := fields["waiting_room_enabled"]; present {
		if v, parseErr := strconv.ParseBool(raw); parseErr == nil {
			record.WaitingRoomEnabled = v
		}
	}
	return record, nil
}

// SaveTranscript stores a transcript snapshot as JSON with a bounded TTL.
func (s *RedisStore) SaveTranscript(ctx context.Context, roomID string, entries []TranscriptEntry) error {
	if s == nil || s.client == nil {
		return nil
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	_, err = s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, transcriptKey(roomID), data, transcriptTTL).Err()
	})
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", roomID, err)
	}
	return nil
}

// LoadTranscript reads back a stored snapshot. Returns (nil, nil) when no
// snapshot exists.
func (s *RedisStore) LoadTranscript(ctx context.Context, roomID string) ([]TranscriptEntry, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		data, getErr := s.client.Get(ctx, transcriptKey(roomID)).Bytes()
		if errors.Is(getErr, redis.Nil) {
			return nil, nil
		}
		return data, getErr
	})
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", roomID, err)
	}
	data, _ := res.([]byte)
	if len(data) == 0 {
		return nil, nil
	}

	var entries []TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", roomID, err)
	}
	return entries, nil
}

// SaveRecordingStatus mirrors the latest recording state change.
func (s *RedisStore) SaveRecordingStatus(ctx context.Context, roomID string, meta RecordingMeta) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.HSet(ctx, recordingKey(roomID),
			"recording", strconv.FormatBool(meta.Recording),
			"started_by", meta.StartedBy,
			"changed_at", meta.ChangedAt.UTC().Format(time.RFC3339),
		).Err()
	})
	if err != nil {
		return fmt.Errorf("save recording status %s: %w", roomID, err)
	}
	return nil
}

// AddParticipant mirrors a user into the meeting's live participant set.
func (s *RedisStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.SAdd(ctx, participantsKey(roomID), userID).Err()
	})
	if err != nil {
		return fmt.Errorf("add participant %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// RemoveParticipant mirrors a departure out of the participant set.
func (s *RedisStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.SRem(ctx, participantsKey(roomID), userID).Err()
	})
	if err != nil {
		return fmt.Errorf("remove participant %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("store not configured")
	}
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for components that share it,
// such as the rate limiter's counter store. Nil when unconfigured.
func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
