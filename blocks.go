package sockrpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Blocks adapts Players for hosts whose blocks cannot represent failure.
// Command blocks log failures and return nothing; reporter blocks return an
// empty or "Error: ..." string instead.
type Blocks struct {
	players *Players
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	lastErr string
}

func NewBlocks(players *Players, timeout time.Duration, log *zap.SugaredLogger) *Blocks {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Blocks{players: players, timeout: timeout, log: log}
}

func (b *Blocks) SendHeartbeat(playerID, roomID string) {
	ctx, cancel := b.context()
	defer cancel()
	if _, err := b.players.Heartbeat(ctx, playerID, roomID); err != nil {
		b.failed(EventHeartbeat, err)
	}
}

func (b *Blocks) CreatePlayer(playerID, roomID string) {
	ctx, cancel := b.context()
	defer cancel()
	if _, err := b.players.CreatePlayer(ctx, playerID, roomID); err != nil {
		b.failed(EventCreatePlayer, err)
	}
}

// GetPlayerData returns the player record as json text, or "" on failure.
func (b *Blocks) GetPlayerData(playerID, roomID string) string {
	ctx, cancel := b.context()
	defer cancel()
	player, err := b.players.GetPlayer(ctx, playerID, roomID)
	if err != nil {
		b.failed(EventGetPlayer, err)
		return ""
	}
	return string(player.Raw)
}

func (b *Blocks) SetPlayerData(playerID, roomID, data string) {
	ctx, cancel := b.context()
	defer cancel()
	if _, err := b.players.SetPlayerData(ctx, playerID, roomID, json.RawMessage(data)); err != nil {
		b.failed(EventSetPlayerData, err)
	}
}

func (b *Blocks) CreateRoom(roomID string) {
	ctx, cancel := b.context()
	defer cancel()
	if _, err := b.players.CreateRoom(ctx, roomID); err != nil {
		b.failed(EventCreateRoom, err)
	}
}

// ListPlayers returns the ids of the players in a room joined by ", ".
func (b *Blocks) ListPlayers(roomID string) string {
	ctx, cancel := b.context()
	defer cancel()
	players, err := b.players.ListPlayers(ctx, roomID)
	if err != nil {
		b.failed(EventListPlayers, err)
		return "Error: " + err.Error()
	}
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.PlayerID)
	}
	return strings.Join(ids, ", ")
}

func (b *Blocks) context() (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	// A little slack so the dispatcher deadline, not the context, decides.
	return context.WithTimeout(context.Background(), b.timeout+b.timeout/2)
}

// LastError returns the message of the most recent failed block, or "".
func (b *Blocks) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Blocks) failed(event string, err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
	b.log.Warnw("block failed", "event", event, "outcome", OutcomeOf(err).String(), "error", err)
}
