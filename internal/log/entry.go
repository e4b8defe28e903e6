// Package log implements the replicated, segmented log: append-only storage
// of Entry values indexed by a monotonic index, plus minor and major
// compaction. Entry is the tagged-variant type from spec.md §3 ("Log Entry
// (tagged variant)"), replacing the inheritance hierarchy of Copycat's
// Entry/SessionEntry/TimestampEntry classes with a single struct carrying an
// EntryType discriminant plus a per-type body.
package log

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Body implementations are carried inside Entry across gRPC as an interface
// field (internal/transport's AppendRequest.Entries), which encoding/gob
// requires registering concrete types for up front.
func init() {
	gob.Register(&NoOpBody{})
	gob.Register(&ConfigurationBody{})
	gob.Register(&RegisterBody{})
	gob.Register(&ConnectBody{})
	gob.Register(&KeepAliveBody{})
	gob.Register(&UnregisterBody{})
	gob.Register(&CommandBody{})
	gob.Register(&HeartbeatBody{})
}

// EntryType discriminates the tagged Entry variants of spec.md §3.
type EntryType uint16

const (
	TypeNoOp EntryType = iota + 1
	TypeConfiguration
	TypeRegister
	TypeConnect
	TypeKeepAlive
	TypeUnregister
	TypeCommand
	TypeHeartbeat
)

func (t EntryType) String() string {
	switch t {
	case TypeNoOp:
		return "NoOp"
	case TypeConfiguration:
		return "Configuration"
	case TypeRegister:
		return "Register"
	case TypeConnect:
		return "Connect"
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeUnregister:
		return "Unregister"
	case TypeCommand:
		return "Command"
	case TypeHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("EntryType(%d)", uint16(t))
	}
}

// Consistency is the write/read consistency level attached to a Command
// (spec.md §4.5).
type Consistency uint8

const (
	ConsistencySequential Consistency = iota
	ConsistencyLinearizable
)

// Body is implemented by each entry variant's payload. Encode/Decode use a
// manual length-prefixed binary format (grounded on gyuho-db's
// raftpb.MessageBinaryEncoder pattern of `uint64 size` + payload bytes),
// avoiding a generated-serializer dependency the spec's fixed byte-offset
// storage format has no room for anyway (see DESIGN.md).
type Body interface {
	Type() EntryType
	// IsTombstone reports whether this entry cancels a prior entry's
	// contribution to state and must survive major compaction until the
	// tombstone's index is at or below the cluster's major-compact index.
	IsTombstone() bool
	// IsSnapshottable reports whether this entry may be discarded
	// unconditionally once its index is captured by a snapshot.
	IsSnapshottable() bool
	encode(w io.Writer) error
	decode(r io.Reader) error
}

// Entry is the header shared by every log entry, plus its typed Body.
type Entry struct {
	Index uint64
	Term  uint64
	Body  Body
}

func (e *Entry) Type() EntryType {
	if e.Body == nil {
		return 0
	}
	return e.Body.Type()
}

func (e *Entry) IsTombstone() bool {
	return e.Body != nil && e.Body.IsTombstone()
}

func (e *Entry) IsSnapshottable() bool {
	return e.Body != nil && e.Body.IsSnapshottable()
}

// --- variants ---

// NoOpBody is appended once per term by a newly elected leader (spec.md §4.4
// "Leader initialization"), both to commit prior terms per the leader
// completeness property and to reset session/idle timers.
type NoOpBody struct {
	Timestamp int64
}

func (NoOpBody) Type() EntryType       { return TypeNoOp }
func (NoOpBody) IsTombstone() bool     { return false }
func (NoOpBody) IsSnapshottable() bool { return true }

// MemberType is the three-tier membership classification (spec.md §9 Open
// Questions: "Implementations should follow the three-tier model").
type MemberType uint8

const (
	MemberActive MemberType = iota
	MemberPassive
	MemberReserve
	MemberInactive
)

func (t MemberType) String() string {
	switch t {
	case MemberActive:
		return "Active"
	case MemberPassive:
		return "Passive"
	case MemberReserve:
		return "Reserve"
	case MemberInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// Member describes one cluster participant.
type Member struct {
	ID            string
	Type          MemberType
	ServerAddress string
	ClientAddress string
}

// ConfigurationBody snapshots cluster membership as of the log index it was
// appended at (spec.md §3 "Configuration"): version == the entry's index.
type ConfigurationBody struct {
	Version uint64
	Members []Member
	// Joint marks a C-old,new joint-consensus configuration (SPEC_FULL.md §9
	// supplement from Copycat); OldMembers holds C-old's membership while
	// this is in effect.
	Joint      bool
	OldMembers []Member
}

func (ConfigurationBody) Type() EntryType       { return TypeConfiguration }
func (ConfigurationBody) IsTombstone() bool     { return false }
func (ConfigurationBody) IsSnapshottable() bool { return false }

// RegisterBody is a session's birth certificate; the entry's own Index
// becomes the session id (spec.md §3 "Register").
type RegisterBody struct {
	ClientID  string
	Timestamp int64
	TimeoutMs uint64
}

func (RegisterBody) Type() EntryType       { return TypeRegister }
func (RegisterBody) IsTombstone() bool     { return false }
func (RegisterBody) IsSnapshottable() bool { return true }

// ConnectBody pins a session to the server address it should receive
// published events on.
type ConnectBody struct {
	Session   uint64
	Address   string
	Timestamp int64
}

func (ConnectBody) Type() EntryType       { return TypeConnect }
func (ConnectBody) IsTombstone() bool     { return false }
func (ConnectBody) IsSnapshottable() bool { return true }

// KeepAliveBody refreshes a session's liveness and acknowledges delivered
// command responses / events (spec.md §4.5 "Keep-alive").
type KeepAliveBody struct {
	Session         uint64
	CommandSeqAck   uint64
	EventVersionAck uint64
	Timestamp       int64
}

func (KeepAliveBody) Type() EntryType       { return TypeKeepAlive }
func (KeepAliveBody) IsTombstone() bool     { return false }
func (KeepAliveBody) IsSnapshottable() bool { return true }

// UnregisterBody is a session's death, either voluntary or (Expired==true)
// leader-driven expiration.
type UnregisterBody struct {
	Session   uint64
	Expired   bool
	Timestamp int64
}

func (UnregisterBody) Type() EntryType       { return TypeUnregister }
func (UnregisterBody) IsTombstone() bool     { return true }
func (UnregisterBody) IsSnapshottable() bool { return true }

// CommandBody is a state-changing client operation. IsTombstone is decided
// per-command by the state machine's registered classification (a command
// like "delete" cancels the effect of a prior "set"); the log itself only
// knows the flag it was told at append time.
type CommandBody struct {
	Session     uint64
	Sequence    uint64
	Timestamp   int64
	Payload     []byte
	Consistency Consistency
	Tombstone   bool
}

func (c CommandBody) Type() EntryType       { return TypeCommand }
func (c CommandBody) IsTombstone() bool     { return c.Tombstone }
func (CommandBody) IsSnapshottable() bool   { return true }

// HeartbeatBody records a member's periodic availability signal (spec.md
// §4.4 "Heartbeats & availability").
type HeartbeatBody struct {
	Member      string
	CommitIndex uint64
	Timestamp   int64
}

func (HeartbeatBody) Type() EntryType       { return TypeHeartbeat }
func (HeartbeatBody) IsTombstone() bool     { return false }
func (HeartbeatBody) IsSnapshottable() bool { return true }

// --- encode/decode plumbing ---

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReaderAdapter{r: r}
	}
	return binary.ReadUvarint(br)
}

type byteReaderAdapter struct{ r io.Reader }

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.r, buf[:])
	return buf[0], err
}

func writeString(w io.Writer, s string) error {
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeUint64(w io.Writer, v uint64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	_, err := io.ReadFull(r, buf[:])
	return buf[0], err
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeUint8(w, 1)
	}
	return writeUint8(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	v, err := readUint8(r)
	return v != 0, err
}

func writeMember(w io.Writer, m Member) error {
	if err := writeString(w, m.ID); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(m.Type)); err != nil {
		return err
	}
	if err := writeString(w, m.ServerAddress); err != nil {
		return err
	}
	return writeString(w, m.ClientAddress)
}

func readMember(r io.Reader) (Member, error) {
	var m Member
	var err error
	if m.ID, err = readString(r); err != nil {
		return m, err
	}
	t, err := readUint8(r)
	if err != nil {
		return m, err
	}
	m.Type = MemberType(t)
	if m.ServerAddress, err = readString(r); err != nil {
		return m, err
	}
	m.ClientAddress, err = readString(r)
	return m, err
}

func writeMembers(w io.Writer, members []Member) error {
	if err := writeUvarint(w, uint64(len(members))); err != nil {
		return err
	}
	for _, m := range members {
		if err := writeMember(w, m); err != nil {
			return err
		}
	}
	return nil
}

func readMembers(r io.Reader) ([]Member, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	members := make([]Member, n)
	for i := range members {
		if members[i], err = readMember(r); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (b *NoOpBody) encode(w io.Writer) error { return writeInt64(w, b.Timestamp) }
func (b *NoOpBody) decode(r io.Reader) error {
	v, err := readInt64(r)
	b.Timestamp = v
	return err
}

func (b *ConfigurationBody) encode(w io.Writer) error {
	if err := writeUint64(w, b.Version); err != nil {
		return err
	}
	if err := writeMembers(w, b.Members); err != nil {
		return err
	}
	if err := writeBool(w, b.Joint); err != nil {
		return err
	}
	return writeMembers(w, b.OldMembers)
}

func (b *ConfigurationBody) decode(r io.Reader) error {
	var err error
	if b.Version, err = readUint64(r); err != nil {
		return err
	}
	if b.Members, err = readMembers(r); err != nil {
		return err
	}
	if b.Joint, err = readBool(r); err != nil {
		return err
	}
	b.OldMembers, err = readMembers(r)
	return err
}

func (b *RegisterBody) encode(w io.Writer) error {
	if err := writeString(w, b.ClientID); err != nil {
		return err
	}
	if err := writeInt64(w, b.Timestamp); err != nil {
		return err
	}
	return writeUint64(w, b.TimeoutMs)
}

func (b *RegisterBody) decode(r io.Reader) error {
	var err error
	if b.ClientID, err = readString(r); err != nil {
		return err
	}
	if b.Timestamp, err = readInt64(r); err != nil {
		return err
	}
	b.TimeoutMs, err = readUint64(r)
	return err
}

func (b *ConnectBody) encode(w io.Writer) error {
	if err := writeUint64(w, b.Session); err != nil {
		return err
	}
	if err := writeString(w, b.Address); err != nil {
		return err
	}
	return writeInt64(w, b.Timestamp)
}

func (b *ConnectBody) decode(r io.Reader) error {
	var err error
	if b.Session, err = readUint64(r); err != nil {
		return err
	}
	if b.Address, err = readString(r); err != nil {
		return err
	}
	b.Timestamp, err = readInt64(r)
	return err
}

func (b *KeepAliveBody) encode(w io.Writer) error {
	if err := writeUint64(w, b.Session); err != nil {
		return err
	}
	if err := writeUint64(w, b.CommandSeqAck); err != nil {
		return err
	}
	if err := writeUint64(w, b.EventVersionAck); err != nil {
		return err
	}
	return writeInt64(w, b.Timestamp)
}

func (b *KeepAliveBody) decode(r io.Reader) error {
	var err error
	if b.Session, err = readUint64(r); err != nil {
		return err
	}
	if b.CommandSeqAck, err = readUint64(r); err != nil {
		return err
	}
	if b.EventVersionAck, err = readUint64(r); err != nil {
		return err
	}
	b.Timestamp, err = readInt64(r)
	return err
}

func (b *UnregisterBody) encode(w io.Writer) error {
	if err := writeUint64(w, b.Session); err != nil {
		return err
	}
	if err := writeBool(w, b.Expired); err != nil {
		return err
	}
	return writeInt64(w, b.Timestamp)
}

func (b *UnregisterBody) decode(r io.Reader) error {
	var err error
	if b.Session, err = readUint64(r); err != nil {
		return err
	}
	if b.Expired, err = readBool(r); err != nil {
		return err
	}
	b.Timestamp, err = readInt64(r)
	return err
}

func (b *CommandBody) encode(w io.Writer) error {
	if err := writeUint64(w, b.Session); err != nil {
		return err
	}
	if err := writeUint64(w, b.Sequence); err != nil {
		return err
	}
	if err := writeInt64(w, b.Timestamp); err != nil {
		return err
	}
	if err := writeBytes(w, b.Payload); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(b.Consistency)); err != nil {
		return err
	}
	return writeBool(w, b.Tombstone)
}

func (b *CommandBody) decode(r io.Reader) error {
	var err error
	if b.Session, err = readUint64(r); err != nil {
		return err
	}
	if b.Sequence, err = readUint64(r); err != nil {
		return err
	}
	if b.Timestamp, err = readInt64(r); err != nil {
		return err
	}
	if b.Payload, err = readBytes(r); err != nil {
		return err
	}
	c, err := readUint8(r)
	if err != nil {
		return err
	}
	b.Consistency = Consistency(c)
	b.Tombstone, err = readBool(r)
	return err
}

func (b *HeartbeatBody) encode(w io.Writer) error {
	if err := writeString(w, b.Member); err != nil {
		return err
	}
	if err := writeUint64(w, b.CommitIndex); err != nil {
		return err
	}
	return writeInt64(w, b.Timestamp)
}

func (b *HeartbeatBody) decode(r io.Reader) error {
	var err error
	if b.Member, err = readString(r); err != nil {
		return err
	}
	if b.CommitIndex, err = readUint64(r); err != nil {
		return err
	}
	b.Timestamp, err = readInt64(r)
	return err
}

// newBody allocates the zero value for a wire EntryType so Decode can
// populate it.
func newBody(t EntryType) (Body, error) {
	switch t {
	case TypeNoOp:
		return &NoOpBody{}, nil
	case TypeConfiguration:
		return &ConfigurationBody{}, nil
	case TypeRegister:
		return &RegisterBody{}, nil
	case TypeConnect:
		return &ConnectBody{}, nil
	case TypeKeepAlive:
		return &KeepAliveBody{}, nil
	case TypeUnregister:
		return &UnregisterBody{}, nil
	case TypeCommand:
		return &CommandBody{}, nil
	case TypeHeartbeat:
		return &HeartbeatBody{}, nil
	default:
		return nil, fmt.Errorf("log: unknown entry type %d", t)
	}
}

// Encode writes the entry as {index u64, term u64, type u16, body} to w. The
// caller (segment.go) is responsible for the outer {length u32} record
// framing described in spec.md §6.
func Encode(w io.Writer, e *Entry) error {
	if err := writeUint64(w, e.Index); err != nil {
		return err
	}
	if err := writeUint64(w, e.Term); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(e.Type())); err != nil {
		return err
	}
	return e.Body.encode(w)
}

// Decode reads an entry previously written by Encode.
func Decode(r io.Reader) (*Entry, error) {
	e := &Entry{}
	var err error
	if e.Index, err = readUint64(r); err != nil {
		return nil, err
	}
	if e.Term, err = readUint64(r); err != nil {
		return nil, err
	}
	var typ uint16
	if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
		return nil, err
	}
	body, err := newBody(EntryType(typ))
	if err != nil {
		return nil, err
	}
	if err := body.decode(r); err != nil {
		return nil, err
	}
	e.Body = body
	return e, nil
}
