// Package store wraps the shared redis instance: the hot key/value state for
// live games, the matchmaking queue, presence sessions, and the pub/sub
// channels used for cross-process fan-out.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ban-chess/internal/models"
)

const (
	activeGameTTL   = 4 * time.Hour
	finishedGameTTL = 24 * time.Hour
	eventsTTL       = 24 * time.Hour
	sessionTTL      = 1 * time.Hour
	gameLockTTL     = 10 * time.Second
)

var ErrNotFound = errors.New("not found")

// Key layout.
func gameKey(id string) string    { return "game:" + id }
func historyKey(id string) string { return "game:" + id + ":history" }
func eventsKey(id string) string  { return "game:" + id + ":events" }
func lockKey(id string) string    { return "game:" + id + ":lock" }
func sessionKey(id string) string { return "session:" + id }
func tokenKey(tok string) string  { return "session:token:" + tok }

const (
	queueKey       = "queue"
	queueSetKey    = "queue:set"
	onlineKey      = "online"
	activeGamesKey = "games:active"
)

// GameChannel is the pub/sub channel for one game's state and event frames.
func GameChannel(id string) string { return "channel:game:" + id }

// QueueChannel carries matchmaking notifications and position updates.
const QueueChannel = "channel:queue"

type Store struct {
	rdb *redis.Client
}

// New connects to the redis instance named by url (redis://...).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// SaveGame writes the game hash, any new history entries and any new events
// in a single transaction, then refreshes the TTLs. The hash and history are
// therefore never observed out of step with each other.
func (s *Store) SaveGame(ctx context.Context, g *models.Game, pgn string, newActions []string, newEvents []models.GameEvent) error {
	ttl := activeGameTTL
	gameOver := "0"
	if g.Over {
		ttl = finishedGameTTL
		gameOver = "1"
	}
	fields := map[string]any{
		"fen":           g.FEN,
		"pgn":           pgn,
		"whitePlayerId": g.WhiteID,
		"blackPlayerId": g.BlackID,
		"whiteName":     g.WhiteName,
		"blackName":     g.BlackName,
		"startTime":     g.StartTime,
		"lastMoveTime":  g.LastActionTime,
		"gameOver":      gameOver,
		"result":        g.Result,
		"moveCount":     g.MoveCount,
		"isSolo":        boolField(g.IsSolo),
	}
	if g.TimeControl != nil {
		fields["timeControl.initial"] = g.TimeControl.InitialSec
		fields["timeControl.increment"] = g.TimeControl.IncrementSec
	}
	if g.Clocks != nil {
		data, err := json.Marshal(g.Clocks)
		if err != nil {
			return err
		}
		fields["clocks"] = data
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(g.GameID), fields)
	if g.Over {
		pipe.SRem(ctx, activeGamesKey, g.GameID)
	} else {
		pipe.SAdd(ctx, activeGamesKey, g.GameID)
	}
	for _, bcn := range newActions {
		pipe.RPush(ctx, historyKey(g.GameID), bcn)
	}
	for _, ev := range newEvents {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, eventsKey(g.GameID), data)
	}
	pipe.Expire(ctx, gameKey(g.GameID), ttl)
	pipe.Expire(ctx, historyKey(g.GameID), ttl)
	pipe.Expire(ctx, eventsKey(g.GameID), eventsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadGame reads the game hash plus its full action history.
func (s *Store) LoadGame(ctx context.Context, gameID string) (*models.Game, error) {
	fields, err := s.rdb.HGetAll(ctx, gameKey(gameID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	history, err := s.rdb.LRange(ctx, historyKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	g := &models.Game{
		GameID:         gameID,
		WhiteID:        fields["whitePlayerId"],
		BlackID:        fields["blackPlayerId"],
		WhiteName:      fields["whiteName"],
		BlackName:      fields["blackName"],
		FEN:            fields["fen"],
		Result:         fields["result"],
		Over:           fields["gameOver"] == "1",
		IsSolo:         fields["isSolo"] == "1",
		ActionHistory:  history,
		StartTime:      parseInt64(fields["startTime"]),
		LastActionTime: parseInt64(fields["lastMoveTime"]),
		MoveCount:      int(parseInt64(fields["moveCount"])),
	}
	if raw, ok := fields["timeControl.initial"]; ok {
		g.TimeControl = &models.TimeControl{
			InitialSec:   int(parseInt64(raw)),
			IncrementSec: int(parseInt64(fields["timeControl.increment"])),
		}
	}
	if raw, ok := fields["clocks"]; ok {
		var snap models.ClockSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err == nil {
			g.Clocks = &snap
		}
	}
	return g, nil
}

// ActiveGames lists ids of games not yet over, for the stale game sweeper.
func (s *Store) ActiveGames(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, activeGamesKey).Result()
}

// LoadEvents returns the appended event log for a game.
func (s *Store) LoadEvents(ctx context.Context, gameID string) ([]models.GameEvent, error) {
	raw, err := s.rdb.LRange(ctx, eventsKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]models.GameEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.GameEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Publish fans a raw frame out on a channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription. The caller owns the returned
// handle and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// Enqueue adds a player to the FIFO queue. Re-enqueueing a queued user is a
// no-op; either way the user's current 1-based position is returned.
func (s *Store) Enqueue(ctx context.Context, entry models.QueueEntry) (int, error) {
	added, err := s.rdb.SAdd(ctx, queueSetKey, entry.UserID).Result()
	if err != nil {
		return 0, err
	}
	if added == 0 {
		return s.QueuePosition(ctx, entry.UserID)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	length, err := s.rdb.RPush(ctx, queueKey, data).Result()
	if err != nil {
		// Keep the set consistent with the list.
		s.rdb.SRem(ctx, queueSetKey, entry.UserID)
		return 0, err
	}
	return int(length), nil
}

// Dequeue removes a player's entry wherever it sits in the queue.
func (s *Store) Dequeue(ctx context.Context, userID string) error {
	items, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range items {
		var entry models.QueueEntry
		if json.Unmarshal([]byte(item), &entry) == nil && entry.UserID == userID {
			if err := s.rdb.LRem(ctx, queueKey, 1, item).Err(); err != nil {
				return err
			}
			break
		}
	}
	return s.rdb.SRem(ctx, queueSetKey, userID).Err()
}

// QueuePosition returns the 1-based position of a queued user, or 0.
func (s *Store) QueuePosition(ctx context.Context, userID string) (int, error) {
	items, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		var entry models.QueueEntry
		if json.Unmarshal([]byte(item), &entry) == nil && entry.UserID == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// QueueEntries returns the waiting players in FIFO order.
func (s *Store) QueueEntries(ctx context.Context) ([]models.QueueEntry, error) {
	items, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]models.QueueEntry, 0, len(items))
	for _, item := range items {
		var entry models.QueueEntry
		if json.Unmarshal([]byte(item), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// PopPair atomically pops the two queue heads. When only one entry is
// present it is pushed back and ok is false.
func (s *Store) PopPair(ctx context.Context) (first, second models.QueueEntry, ok bool, err error) {
	pipe := s.rdb.TxPipeline()
	firstCmd := pipe.LPop(ctx, queueKey)
	secondCmd := pipe.LPop(ctx, queueKey)
	if _, err = pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.QueueEntry{}, models.QueueEntry{}, false, err
	}
	firstRaw, firstErr := firstCmd.Result()
	secondRaw, secondErr := secondCmd.Result()
	if firstErr != nil {
		return models.QueueEntry{}, models.QueueEntry{}, false, nil // empty queue
	}
	if secondErr != nil {
		// Under-pop: put the singleton back at the head.
		s.rdb.LPush(ctx, queueKey, firstRaw)
		return models.QueueEntry{}, models.QueueEntry{}, false, nil
	}
	if err := json.Unmarshal([]byte(firstRaw), &first); err != nil {
		return models.QueueEntry{}, models.QueueEntry{}, false, err
	}
	if err := json.Unmarshal([]byte(secondRaw), &second); err != nil {
		return models.QueueEntry{}, models.QueueEntry{}, false, err
	}
	s.rdb.SRem(ctx, queueSetKey, first.UserID, second.UserID)
	return first, second, true, nil
}

// SetSession writes the presence record with the standard TTL.
func (s *Store) SetSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.UserID), data, sessionTTL)
	pipe.SAdd(ctx, onlineKey, sess.UserID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetSession reads the presence record, ErrNotFound when absent or expired.
func (s *Store) GetSession(ctx context.Context, userID string) (models.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return models.Session{}, fmt.Errorf("corrupt session record: %w", err)
	}
	return sess, nil
}

// TouchSession refreshes the presence TTL on activity.
func (s *Store) TouchSession(ctx context.Context, userID string) error {
	return s.rdb.Expire(ctx, sessionKey(userID), sessionTTL).Err()
}

// ClearSession drops the presence record and online membership.
func (s *Store) ClearSession(ctx context.Context, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(userID))
	pipe.SRem(ctx, onlineKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// LookupSessionToken resolves a cookie-issued session token to its claims.
// The token is written by the external session issuer.
func (s *Store) LookupSessionToken(ctx context.Context, token string) (userID, username, provider string, err error) {
	raw, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", "", ErrNotFound
	}
	if err != nil {
		return "", "", "", err
	}
	var claims struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return "", "", "", fmt.Errorf("corrupt session token: %w", err)
	}
	return claims.UserID, claims.Username, claims.Provider, nil
}

// AcquireGameLock takes the short-lived per-game mutation lease.
func (s *Store) AcquireGameLock(ctx context.Context, gameID, owner string) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(gameID), owner, gameLockTTL).Result()
}

// RenewGameLock extends the lease if this process still owns it.
func (s *Store) RenewGameLock(ctx context.Context, gameID, owner string) error {
	current, err := s.rdb.Get(ctx, lockKey(gameID)).Result()
	if err != nil {
		return err
	}
	if current != owner {
		return fmt.Errorf("game %s lease lost to %s", gameID, current)
	}
	return s.rdb.Expire(ctx, lockKey(gameID), gameLockTTL).Err()
}

// ReleaseGameLock drops the lease on shutdown or terminal.
func (s *Store) ReleaseGameLock(ctx context.Context, gameID string) error {
	return s.rdb.Del(ctx, lockKey(gameID)).Err()
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
