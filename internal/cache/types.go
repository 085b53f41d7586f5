package cache

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	RoomID     string `msgpack:"roomId"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	Text       string `msgpack:"text"`
	Timestamp  int64  `msgpack:"timestamp"`
}

// Key orders messages inside a room bucket by timestamp, ties broken by
// message ID. Re-putting the same message lands on the same key, which is
// what makes the cache append-only and idempotent.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBRoomer struct {
	UID         string `msgpack:"uid"`
	DisplayName string `msgpack:"displayName"`
	PhotoURL    string `msgpack:"photoURL"`
	Status      string `msgpack:"status"`
}

type DBRoster struct {
	UID     string     `msgpack:"uid"`
	Roomers []DBRoomer `msgpack:"roomers"`
}

func (r *DBRoster) Key() []byte {
	return []byte(r.UID)
}

func (r *DBRoster) MarshalBinary() (data []byte, err error) {
	type alias DBRoster
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoster) UnmarshalBinary(data []byte) error {
	type alias DBRoster
	return msgpack.Unmarshal(data, (*alias)(r))
}
