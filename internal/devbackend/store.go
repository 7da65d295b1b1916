package devbackend

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrInvalidData    = errors.New("invalid data")
	ErrPlayerNotFound = errors.New("player not found")
	ErrRoomNotFound   = errors.New("room not found")
)

type PlayerRecord struct {
	PlayerID string          `json:"player_id"`
	RoomID   string          `json:"room_id"`
	Status   string          `json:"status,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type player struct {
	record PlayerRecord
	// lastSeen stays zero until the first heartbeat; only then does the
	// lease apply.
	lastSeen time.Time
}

// Store keeps rooms and players in memory. Once a player has sent a
// heartbeat, Expire removes it if the lease is not refreshed in time.
type Store struct {
	mu    sync.Mutex
	rooms map[string]map[string]*player
	lease time.Duration
}

func NewStore(lease time.Duration) *Store {
	return &Store{
		rooms: make(map[string]map[string]*player),
		lease: lease,
	}
}

func (s *Store) CreateRoom(roomID string) error {
	if roomID == "" {
		return ErrInvalidData
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID)
	return nil
}

// CreatePlayer is idempotent; an existing record is left untouched.
func (s *Store) CreatePlayer(roomID, playerID string) error {
	if roomID == "" || playerID == "" {
		return ErrInvalidData
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(roomID, playerID)
	return nil
}

// Heartbeat refreshes the lease, creating the player first if needed.
func (s *Store) Heartbeat(roomID, playerID string, now time.Time) error {
	if roomID == "" || playerID == "" {
		return ErrInvalidData
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(roomID, playerID).lastSeen = now
	return nil
}

func (s *Store) Get(roomID, playerID string) (PlayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.rooms[roomID][playerID]
	if !found {
		return PlayerRecord{}, ErrPlayerNotFound
	}
	return p.record, nil
}

// SetData replaces the stored record with one carrying data. The player must
// already exist.
func (s *Store) SetData(roomID, playerID string, data json.RawMessage) error {
	if roomID == "" || playerID == "" || len(data) == 0 {
		return ErrInvalidData
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.rooms[roomID][playerID]
	if !found {
		return ErrPlayerNotFound
	}
	p.record = PlayerRecord{PlayerID: playerID, RoomID: roomID, Data: data}
	return nil
}

func (s *Store) List(roomID string) ([]PlayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, found := s.rooms[roomID]
	if !found {
		return nil, ErrRoomNotFound
	}
	records := make([]PlayerRecord, 0, len(room))
	for _, p := range room {
		records = append(records, p.record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PlayerID < records[j].PlayerID })
	return records, nil
}

func (s *Store) Delete(roomID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.rooms[roomID][playerID]; !found {
		return ErrPlayerNotFound
	}
	delete(s.rooms[roomID], playerID)
	return nil
}

// Expire removes players whose lease ran out and drops rooms left empty by
// it. It returns the removed players.
func (s *Store) Expire(now time.Time) []PlayerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []PlayerRecord
	for roomID, room := range s.rooms {
		expired := false
		for id, p := range room {
			if !p.lastSeen.IsZero() && now.Sub(p.lastSeen) > s.lease {
				delete(room, id)
				removed = append(removed, p.record)
				expired = true
			}
		}
		if expired && len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return removed
}

func (s *Store) room(roomID string) map[string]*player {
	room, found := s.rooms[roomID]
	if !found {
		room = make(map[string]*player)
		s.rooms[roomID] = room
	}
	return room
}

func (s *Store) ensure(roomID, playerID string) *player {
	room := s.room(roomID)
	p, found := room[playerID]
	if !found {
		p = &player{
			record: PlayerRecord{PlayerID: playerID, RoomID: roomID, Status: "active"},
		}
		room[playerID] = p
	}
	return p
}
