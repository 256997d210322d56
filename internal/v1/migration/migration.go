// Package migration converts persisted rooms from the legacy token shape,
// where the icon id sat directly on the token, to the current shape with a
// contents union. It runs offline against the same store the server uses.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boardtop/tokenboard/internal/v1/game"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/roomstore"
)

// legacyToken is the v1 persisted shape: no contents union, the icon id
// inline on the token.
type legacyToken struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	IconID   string      `json:"icon_id"`
	StartX   int         `json:"start_x"`
	StartY   int         `json:"start_y"`
	StartZ   int         `json:"start_z"`
	EndX     int         `json:"end_x"`
	EndY     int         `json:"end_y"`
	EndZ     int         `json:"end_z"`
	ColorRGB *game.Color `json:"color_rgb,omitempty"`
}

// ConvertEntity upgrades one raw entity. Entities already in the current
// shape pass through unchanged; the second return reports whether a rewrite
// happened.
func ConvertEntity(raw json.RawMessage) (json.RawMessage, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, fmt.Errorf("entity is not an object: %w", err)
	}
	if _, hasContents := probe["contents"]; hasContents {
		return raw, false, nil
	}
	if _, hasIcon := probe["icon_id"]; !hasIcon {
		return raw, false, nil
	}

	var old legacyToken
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, false, fmt.Errorf("failed to decode legacy token: %w", err)
	}
	converted, err := json.Marshal(game.Token{
		ID:       old.ID,
		Type:     game.TokenType(old.Type),
		Contents: game.IconContents(old.IconID),
		StartX:   old.StartX,
		StartY:   old.StartY,
		StartZ:   old.StartZ,
		EndX:     old.EndX,
		EndY:     old.EndY,
		EndZ:     old.EndZ,
		ColorRGB: old.ColorRGB,
	})
	if err != nil {
		return nil, false, err
	}
	return converted, true, nil
}

// ConvertRoom upgrades a raw room value, a JSON array of entities. The
// result preserves entity order.
func ConvertRoom(data []byte) ([]byte, bool, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, false, fmt.Errorf("room value is not an array: %w", err)
	}
	changed := false
	for i, raw := range raws {
		converted, didChange, err := ConvertEntity(raw)
		if err != nil {
			return nil, false, err
		}
		raws[i] = converted
		changed = changed || didChange
	}
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(raws)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Migrator rewrites every legacy room value in Redis in place.
type Migrator struct {
	client *redis.Client
}

// NewMigrator builds a migrator over the given client.
func NewMigrator(client *redis.Client) *Migrator {
	return &Migrator{client: client}
}

// Run converts every stored room and returns how many were rewritten. Rooms
// already in the current shape are left untouched, so reruns are safe.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	migrated := 0
	iter := m.client.Scan(ctx, 0, roomstore.RoomKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		roomID := strings.TrimPrefix(key, roomstore.RoomKeyPrefix)

		data, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			return migrated, fmt.Errorf("failed to read room %s: %w", roomID, err)
		}
		converted, changed, err := ConvertRoom(data)
		if err != nil {
			return migrated, fmt.Errorf("failed to convert room %s: %w", roomID, err)
		}
		if !changed {
			continue
		}
		if err := m.client.Set(ctx, key, converted, 0).Err(); err != nil {
			return migrated, fmt.Errorf("failed to write room %s: %w", roomID, err)
		}
		migrated++
		logging.Info(ctx, "Migrated room", zap.String("room_id", roomID))
	}
	if err := iter.Err(); err != nil {
		return migrated, fmt.Errorf("failed to scan rooms: %w", err)
	}
	return migrated, nil
}
