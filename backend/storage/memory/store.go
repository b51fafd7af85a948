package memory

import (
	"errors"
	"slices"
	"sync"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
)

var (
	ErrEmptyRoomID   = errors.New("room id is empty")
	ErrAlreadyMember = errors.New("session is already a member of this room")
	ErrRoomNotFound  = errors.New("room not found")
)

// AdmitFunc decides whether a session may join given the members present
// before the join. It runs under the room lock.
type AdmitFunc func(prior []model.SessionID) error

type room struct {
	mx      sync.Mutex
	members []model.SessionID
	gone    bool // set once the room is emptied and unlinked from the store
}

// RoomStore keeps room membership in memory. Mutations of a room are
// serialized by the room's own mutex; the store mutex only guards map access.
type RoomStore struct {
	mx    *sync.Mutex
	db    map[model.RoomID]*room
	index map[model.SessionID]model.RoomID
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		mx:    &sync.Mutex{},
		db:    make(map[model.RoomID]*room),
		index: make(map[model.SessionID]model.RoomID),
	}
}

func (rs *RoomStore) getOrCreate(roomID model.RoomID) *room {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	r, ok := rs.db[roomID]
	if !ok {
		r = &room{}
		rs.db[roomID] = r
	}
	return r
}

// Join adds the session to the room and returns the members present before
// the join. A session belongs to at most one room, so membership in another
// room is dropped first.
func (rs *RoomStore) Join(sessionID model.SessionID, roomID model.RoomID, admit AdmitFunc) ([]model.SessionID, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	if current, ok := rs.RoomOf(sessionID); ok && current != roomID {
		rs.Leave(sessionID)
	}

	for {
		r := rs.getOrCreate(roomID)
		r.mx.Lock()
		if r.gone {
			// lost the race with the last member leaving, retry with a fresh room
			r.mx.Unlock()
			continue
		}

		if slices.Contains(r.members, sessionID) {
			r.mx.Unlock()
			return nil, ErrAlreadyMember
		}

		prior := slices.Clone(r.members)
		if admit != nil {
			if err := admit(prior); err != nil {
				if len(r.members) == 0 {
					rs.unlink(roomID, r)
				}
				r.mx.Unlock()
				return nil, err
			}
		}

		r.members = append(r.members, sessionID)
		rs.mx.Lock()
		rs.index[sessionID] = roomID
		rs.mx.Unlock()
		r.mx.Unlock()
		return prior, nil
	}
}

// Leave removes the session from its room and returns the remaining members.
// The room is destroyed once empty. Returns false if the session was not in a room.
func (rs *RoomStore) Leave(sessionID model.SessionID) (model.RoomID, []model.SessionID, bool) {
	rs.mx.Lock()
	roomID, ok := rs.index[sessionID]
	r := rs.db[roomID]
	rs.mx.Unlock()
	if !ok || r == nil {
		return "", nil, false
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	idx := slices.Index(r.members, sessionID)
	if r.gone || idx < 0 {
		return "", nil, false
	}
	r.members = slices.Delete(r.members, idx, idx+1)

	rs.mx.Lock()
	if rs.index[sessionID] == roomID {
		delete(rs.index, sessionID)
	}
	rs.mx.Unlock()

	if len(r.members) == 0 {
		rs.unlink(roomID, r)
	}
	return roomID, slices.Clone(r.members), true
}

// unlink must be called with r.mx held.
func (rs *RoomStore) unlink(roomID model.RoomID, r *room) {
	r.gone = true
	rs.mx.Lock()
	if rs.db[roomID] == r {
		delete(rs.db, roomID)
	}
	rs.mx.Unlock()
}

// MembersOf returns the members in arrival order.
func (rs *RoomStore) MembersOf(roomID model.RoomID) []model.SessionID {
	rs.mx.Lock()
	r, ok := rs.db[roomID]
	rs.mx.Unlock()
	if !ok {
		return nil
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.gone {
		return nil
	}
	return slices.Clone(r.members)
}

func (rs *RoomStore) RoomOf(sessionID model.SessionID) (model.RoomID, bool) {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	roomID, ok := rs.index[sessionID]
	return roomID, ok
}

func (rs *RoomStore) GetRoom(roomID model.RoomID) (*model.Room, bool) {
	members := rs.MembersOf(roomID)
	if len(members) == 0 {
		return nil, false
	}
	return &model.Room{ID: roomID, Members: members}, true
}

func (rs *RoomStore) Rooms() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.db)
}
