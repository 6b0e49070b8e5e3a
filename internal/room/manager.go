package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ban-chess/internal/models"
	"ban-chess/internal/protocol"
)

// ManagerStore adds game creation and lease acquisition to what a single
// Room needs.
type ManagerStore interface {
	GameStore
	AcquireGameLock(ctx context.Context, gameID, owner string) (bool, error)
	LoadGame(ctx context.Context, gameID string) (*models.Game, error)
}

// Manager owns every live Room in this process. One process hosts a game at
// a time, enforced by the store lease.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	store    ManagerStore
	archiver GameArchiver
	owner    string
}

func NewManager(store ManagerStore, archiver GameArchiver) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		store:    store,
		archiver: archiver,
		owner:    uuid.NewString(),
	}
}

// Owner returns this process's lease owner id.
func (m *Manager) Owner() string { return m.owner }

// CreateGame creates and persists a new game, acquires its lease and starts
// its Room. White and black are the matched pair; a solo game passes the same
// user for both seats.
func (m *Manager) CreateGame(ctx context.Context, white, black models.Session, tc *models.TimeControl, solo bool) (*Room, error) {
	now := time.Now().UnixMilli()
	game := &models.Game{
		GameID:         uuid.NewString(),
		WhiteID:        white.UserID,
		BlackID:        black.UserID,
		WhiteName:      white.Username,
		BlackName:      black.Username,
		FEN:            protocol.InitialFEN,
		StartTime:      now,
		LastActionTime: now,
		TimeControl:    tc,
		IsSolo:         solo,
	}
	if solo {
		// Solo games are untimed practice boards.
		game.TimeControl = nil
	}
	game.Events = append(game.Events,
		models.NewEvent(models.EventGameStarted, "game started", ""),
		models.NewEvent(models.EventPlayerJoined, fmt.Sprintf("%s joined as white", white.Username), models.White),
	)
	if !solo {
		game.Events = append(game.Events,
			models.NewEvent(models.EventPlayerJoined, fmt.Sprintf("%s joined as black", black.Username), models.Black))
	}

	ok, err := m.store.AcquireGameLock(ctx, game.GameID, m.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for game %s: %w", game.GameID, err)
	}
	if !ok {
		return nil, fmt.Errorf("game %s is already owned", game.GameID)
	}
	if err := m.store.SaveGame(ctx, game, "", nil, game.Events); err != nil {
		return nil, fmt.Errorf("failed to persist game %s: %w", game.GameID, err)
	}
	return m.start(game)
}

// Adopt loads an unowned game from the store and takes over its Room. Used
// when a player reconnects to a game this process does not host yet.
func (m *Manager) Adopt(ctx context.Context, gameID string) (*Room, error) {
	if r := m.Get(gameID); r != nil {
		return r, nil
	}
	ok, err := m.store.AcquireGameLock(ctx, gameID, m.owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("game %s is owned by another process", gameID)
	}
	game, err := m.store.LoadGame(ctx, gameID)
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if rerr := m.store.ReleaseGameLock(releaseCtx, gameID); rerr != nil {
			log.Printf("[Manager] Failed to release lease for game %s: %v", gameID, rerr)
		}
		return nil, err
	}
	return m.start(game)
}

func (m *Manager) start(game *models.Game) (*Room, error) {
	r, err := New(game, m.store, m.archiver, m.owner, m.evict)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing, dup := m.rooms[game.GameID]; dup {
		m.mu.Unlock()
		return existing, nil
	}
	m.rooms[game.GameID] = r
	m.mu.Unlock()
	r.Start()
	log.Printf("[Manager] Game %s started (solo=%t)", game.GameID, game.IsSolo)
	return r, nil
}

// Get returns the live Room for a game, or nil.
func (m *Manager) Get(gameID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[gameID]
}

// Count reports the number of live rooms, for the health endpoint.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// evict runs on a Room's actor goroutine after its game reached a terminal
// state. The Room keeps draining its inbox until Shutdown.
func (m *Manager) evict(gameID string) {
	m.mu.Lock()
	r, present := m.rooms[gameID]
	delete(m.rooms, gameID)
	m.mu.Unlock()
	if present {
		// Shutdown would deadlock here (same goroutine); drain async.
		go r.Shutdown()
		log.Printf("[Manager] Game %s finished", gameID)
	}
}

// Shutdown stops every live room.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Shutdown()
	}
}
