package game

// Room is the in-memory board for a single room: the entity set keyed by id,
// a derived position index covering every unit cell occupied by a token, and
// the pool of colors still available for character tokens.
//
// A Room is not safe for concurrent use. Each room instance is owned by
// exactly one actor goroutine; see the server package.
type Room struct {
	entities  map[string]Entity
	order     []string
	positions map[Position]string
	colorPool []Color
}

// NewRoom builds a room from a persisted entity list. Colors already held by
// character tokens are removed from the pool so they cannot be handed out
// twice.
func NewRoom(entities []Entity) *Room {
	r := &Room{
		entities:  make(map[string]Entity),
		positions: make(map[Position]string),
		colorPool: append([]Color(nil), Palette...),
	}
	for _, entity := range entities {
		switch e := entity.(type) {
		case Token:
			r.insertToken(e)
		case Ping:
			r.PlacePing(e)
		}
	}
	return r
}

// Reset replaces the room's contents with the given entity list. Used when a
// committed mutation arrives on the change-feed.
func (r *Room) Reset(entities []Entity) {
	r.entities = make(map[string]Entity)
	r.order = r.order[:0]
	r.positions = make(map[Position]string)
	r.colorPool = append(r.colorPool[:0], Palette...)
	for _, entity := range entities {
		switch e := entity.(type) {
		case Token:
			r.insertToken(e)
		case Ping:
			r.PlacePing(e)
		}
	}
}

// IsValidPosition reports whether every unit cell of the token is free or
// occupied only by a prior version of the same token.
func (r *Room) IsValidPosition(t Token) bool {
	for _, cell := range t.UnitCells() {
		if occupant, ok := r.positions[cell]; ok && occupant != t.ID {
			return false
		}
	}
	return true
}

// Contains reports whether an entity with the given id is in the room.
func (r *Room) Contains(id string) bool {
	_, ok := r.entities[id]
	return ok
}

// Upsert inserts or replaces a token. The caller must have checked
// IsValidPosition first. The displaced version's color returns to the pool;
// a character token without a color receives the first available one.
func (r *Room) Upsert(t Token) {
	if old, ok := r.entities[t.ID].(Token); ok {
		r.removeFromIndex(old)
		r.releaseColor(old.ColorRGB)
	}
	r.insertToken(t)
}

func (r *Room) insertToken(t Token) {
	if t.Type == TokenTypeCharacter && t.ColorRGB == nil && len(r.colorPool) > 0 {
		color := r.colorPool[0]
		r.colorPool = r.colorPool[1:]
		t.ColorRGB = &color
	} else if t.ColorRGB != nil {
		r.takeColor(*t.ColorRGB)
	}
	if _, exists := r.entities[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.entities[t.ID] = t
	for _, cell := range t.UnitCells() {
		r.positions[cell] = t.ID
	}
}

// Delete removes a token or ping and, for tokens, releases its cells and
// color. Returns false if no entity with the id exists.
func (r *Room) Delete(id string) bool {
	entity, ok := r.entities[id]
	if !ok {
		return false
	}
	if t, isToken := entity.(Token); isToken {
		r.removeFromIndex(t)
		r.releaseColor(t.ColorRGB)
	}
	delete(r.entities, id)
	r.dropFromOrder(id)
	return true
}

// PlacePing adds a transient marker. Pings are not position-indexed and do
// not collide with tokens.
func (r *Room) PlacePing(p Ping) {
	if _, exists := r.entities[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.entities[p.ID] = p
}

// RemovePing removes a ping by id. Removing a missing ping is a no-op.
func (r *Room) RemovePing(id string) {
	if _, ok := r.entities[id].(Ping); !ok {
		return
	}
	delete(r.entities, id)
	r.dropFromOrder(id)
}

// Snapshot returns all current entities in insertion order.
func (r *Room) Snapshot() []Entity {
	snapshot := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.entities[id])
	}
	return snapshot
}

// AvailableColors returns how many colors remain in the pool.
func (r *Room) AvailableColors() int {
	return len(r.colorPool)
}

func (r *Room) removeFromIndex(t Token) {
	for _, cell := range t.UnitCells() {
		if r.positions[cell] == t.ID {
			delete(r.positions, cell)
		}
	}
}

func (r *Room) releaseColor(c *Color) {
	if c == nil {
		return
	}
	r.colorPool = append(r.colorPool, *c)
}

// takeColor removes a specific color from the pool, if present. Keeps the
// pool honest when a token arrives already carrying a palette color.
func (r *Room) takeColor(c Color) {
	for i, candidate := range r.colorPool {
		if candidate == c {
			r.colorPool = append(r.colorPool[:i], r.colorPool[i+1:]...)
			return
		}
	}
}

func (r *Room) dropFromOrder(id string) {
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
