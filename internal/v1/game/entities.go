package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TokenType discriminates the two kinds of placeable pieces.
type TokenType string

const (
	TokenTypeCharacter TokenType = "character"
	TokenTypeFloor     TokenType = "floor"
)

// MaxTextContentsLen bounds the label on text tokens.
const MaxTextContentsLen = 100

const (
	ContentsTypeIcon = "icon"
	ContentsTypeText = "text"
)

// TokenContents is the icon-or-text variant carried by every token. Exactly
// one of IconID or Text is meaningful, selected by Type.
type TokenContents struct {
	Type   string
	IconID string
	Text   string
}

// IconContents builds icon contents.
func IconContents(iconID string) TokenContents {
	return TokenContents{Type: ContentsTypeIcon, IconID: iconID}
}

// TextContents builds text contents.
func TextContents(text string) TokenContents {
	return TokenContents{Type: ContentsTypeText, Text: text}
}

type iconContentsJSON struct {
	Type   string `json:"type"`
	IconID string `json:"icon_id"`
}

type textContentsJSON struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MarshalJSON emits the tagged form, e.g. {"type":"icon","icon_id":"x"}.
func (c TokenContents) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentsTypeIcon:
		return json.Marshal(iconContentsJSON{Type: c.Type, IconID: c.IconID})
	case ContentsTypeText:
		return json.Marshal(textContentsJSON{Type: c.Type, Text: c.Text})
	default:
		return nil, fmt.Errorf("unknown token contents type %q", c.Type)
	}
}

// UnmarshalJSON dispatches on the "type" tag.
func (c *TokenContents) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type   string `json:"type"`
		IconID string `json:"icon_id"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case ContentsTypeIcon:
		*c = TokenContents{Type: ContentsTypeIcon, IconID: probe.IconID}
	case ContentsTypeText:
		*c = TokenContents{Type: ContentsTypeText, Text: probe.Text}
	default:
		return fmt.Errorf("unknown token contents type %q", probe.Type)
	}
	return nil
}

// Position is a single unit cell on the board.
type Position struct {
	X int
	Y int
	Z int
}

// Token is a rectangular-bounds piece placed in a room. The block
// [StartX, EndX) x [StartY, EndY) x [StartZ, EndZ) covers at least one unit
// cell.
type Token struct {
	ID       string        `json:"id"`
	Type     TokenType     `json:"type"`
	Contents TokenContents `json:"contents"`
	StartX   int           `json:"start_x"`
	StartY   int           `json:"start_y"`
	StartZ   int           `json:"start_z"`
	EndX     int           `json:"end_x"`
	EndY     int           `json:"end_y"`
	EndZ     int           `json:"end_z"`
	ColorRGB *Color        `json:"color_rgb,omitempty"`
}

// EntityID implements Entity.
func (t Token) EntityID() string { return t.ID }

func (Token) isEntity() {}

// Validate checks the structural invariants of a token before it is allowed
// onto the board.
func (t Token) Validate() error {
	if t.ID == "" {
		return errors.New("token id must not be empty")
	}
	if t.Type != TokenTypeCharacter && t.Type != TokenTypeFloor {
		return fmt.Errorf("unknown token type %q", t.Type)
	}
	switch t.Contents.Type {
	case ContentsTypeIcon:
		if t.Contents.IconID == "" {
			return errors.New("icon contents must carry an icon id")
		}
	case ContentsTypeText:
		if t.Contents.Text == "" || len(t.Contents.Text) > MaxTextContentsLen {
			return fmt.Errorf("text contents must be between 1 and %d characters", MaxTextContentsLen)
		}
	default:
		return fmt.Errorf("unknown token contents type %q", t.Contents.Type)
	}
	if t.StartX >= t.EndX || t.StartY >= t.EndY || t.StartZ >= t.EndZ {
		return errors.New("token bounds must cover at least one unit cell")
	}
	return nil
}

// UnitCells returns every unit cell covered by the token's block.
func (t Token) UnitCells() []Position {
	cells := make([]Position, 0, (t.EndX-t.StartX)*(t.EndY-t.StartY)*(t.EndZ-t.StartZ))
	for x := t.StartX; x < t.EndX; x++ {
		for y := t.StartY; y < t.EndY; y++ {
			for z := t.StartZ; z < t.EndZ; z++ {
				cells = append(cells, Position{X: x, Y: y, Z: z})
			}
		}
	}
	return cells
}

// Ping is a transient point marker. It is not indexed by position and is
// auto-removed a few seconds after placement.
type Ping struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

// EntityID implements Entity.
func (p Ping) EntityID() string { return p.ID }

func (Ping) isEntity() {}

// Entity is the union of everything that can live in a room: tokens and
// pings. The set of implementations is closed.
type Entity interface {
	EntityID() string
	isEntity()
}

// DecodeEntities parses a JSON array of entities. Tokens are recognized by
// their "type" discriminator; everything else decodes as a ping.
func DecodeEntities(data []byte) ([]Entity, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("entity list is not a JSON array: %w", err)
	}
	entities := make([]Entity, 0, len(raw))
	for _, item := range raw {
		entity, err := DecodeEntity(item)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// DecodeEntity parses a single entity object.
func DecodeEntity(data []byte) (Entity, error) {
	var probe struct {
		Type TokenType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.Type == TokenTypeCharacter || probe.Type == TokenTypeFloor {
		var t Token
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	}
	var p Ping
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeEntities serializes an entity list in insertion order. A nil slice
// encodes as an empty array so clients never see "data": null.
func EncodeEntities(entities []Entity) ([]byte, error) {
	if entities == nil {
		entities = []Entity{}
	}
	return json.Marshal(entities)
}
