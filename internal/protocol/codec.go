package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/gajzzs/vdiskctl/internal/status"
)

// ProtocolVersion is the control message revision this tool speaks.
const ProtocolVersion uint16 = 0x0100

var (
	requestMagic  = [4]byte{'V', 'D', 'S', 'K'}
	responseMagic = [4]byte{'V', 'D', 'S', 'R'}
)

// Header flags.
const (
	flagForce uint8 = 1 << iota
	flagEmergency
	flagTarget
	flagByMountPoint
)

// Sizes of the fixed parts of each message.
const (
	RequestHeaderSize  = 64
	ResponseHeaderSize = 40
	DeviceRecordSize   = 36
)

const maxNameBytes = 0xFFFF

// requestHeader is followed by the UTF-16LE file name and mount point.
type requestHeader struct {
	Magic      [4]byte
	Version    uint16
	Opcode     uint16
	ID         [16]byte
	Options    uint32
	Unit       uint32
	DiskType   uint8
	Flags      uint8
	_          uint16
	SectorSize uint32
	Size       uint64
	Offset     uint64
	Mask       uint32
	FileLen    uint16
	MountLen   uint16
}

// responseHeader is followed by UnitCount unit numbers and DeviceCount
// device records.
type responseHeader struct {
	Magic         [4]byte
	Version       uint16
	Opcode        uint16
	ID            [16]byte
	Status        uint32
	DriverVersion uint16
	_             uint16
	UnitCount     uint32
	DeviceCount   uint32
}

// deviceRecord is followed by the UTF-16LE mount point and file name.
type deviceRecord struct {
	Unit       uint32
	Options    uint32
	DiskType   uint8
	_          uint8
	MountLen   uint16
	SectorSize uint32
	Size       uint64
	Offset     uint64
	FileLen    uint16
	_          uint16
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeName(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, status.Wrap(status.BadSyntax, err, "encode name %q", s)
	}
	if len(b) > maxNameBytes {
		return nil, status.Errorf(status.BadSyntax, "name %q is too long", s)
	}
	return b, nil
}

func decodeName(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	if len(b)%2 != 0 {
		return "", status.Errorf(status.Fatal, "garbled name in driver message")
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", status.Wrap(status.Fatal, err, "garbled name in driver message")
	}
	return string(s), nil
}

type message struct {
	hdr   requestHeader
	file  string
	mount string
}

func newMessage(op Opcode, id uuid.UUID) *message {
	m := &message{}
	m.hdr.Magic = requestMagic
	m.hdr.Version = ProtocolVersion
	m.hdr.Opcode = uint16(op)
	m.hdr.ID = id
	m.hdr.Unit = AutoUnit
	return m
}

func (m *message) target(t DeviceTarget) {
	m.hdr.Flags |= flagTarget
	if unit, ok := t.Unit(); ok {
		m.hdr.Unit = unit
		return
	}
	mp, _ := t.MountPoint()
	m.hdr.Flags |= flagByMountPoint
	m.mount = mp
}

func (m *message) bytes() ([]byte, error) {
	file, err := encodeName(m.file)
	if err != nil {
		return nil, err
	}
	mount, err := encodeName(m.mount)
	if err != nil {
		return nil, err
	}
	m.hdr.FileLen = uint16(len(file))
	m.hdr.MountLen = uint16(len(mount))

	var buf bytes.Buffer
	buf.Grow(RequestHeaderSize + len(file) + len(mount))
	if err := binary.Write(&buf, binary.LittleEndian, &m.hdr); err != nil {
		return nil, fmt.Errorf("encode request header: %w", err)
	}
	buf.Write(file)
	buf.Write(mount)
	return buf.Bytes(), nil
}

// EncodeVersion encodes the driver version handshake.
func EncodeVersion(id uuid.UUID) ([]byte, error) {
	return newMessage(OpVersion, id).bytes()
}

// EncodeCreate encodes a create request. The DiskSpec is validated first.
func EncodeCreate(id uuid.UUID, spec DiskSpec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m := newMessage(OpCreate, id)
	m.hdr.Options = uint32(spec.Options)
	m.hdr.Unit = spec.Unit
	m.hdr.DiskType = uint8(spec.Type)
	m.hdr.SectorSize = spec.SectorSize
	m.hdr.Size = uint64(spec.Size)
	m.hdr.Offset = uint64(spec.Offset)
	m.file = spec.File
	m.mount = spec.MountPoint
	return m.bytes()
}

// EncodeRemove encodes a remove request for target.
func EncodeRemove(id uuid.UUID, target DeviceTarget, force, emergency bool) ([]byte, error) {
	req := RemoveRequest{Target: target, Force: force, Emergency: emergency}
	if err := Validate(req); err != nil {
		return nil, err
	}
	m := newMessage(OpRemove, id)
	m.target(target)
	if force {
		m.hdr.Flags |= flagForce
	}
	if emergency {
		m.hdr.Flags |= flagEmergency
	}
	return m.bytes()
}

// EncodeQuery encodes a query. A nil target asks for the list of units.
func EncodeQuery(id uuid.UUID, target *DeviceTarget) ([]byte, error) {
	if err := Validate(NewQuery(target)); err != nil {
		return nil, err
	}
	m := newMessage(OpQuery, id)
	if target != nil {
		m.target(*target)
	}
	return m.bytes()
}

// EncodeEdit encodes an edit of target.
func EncodeEdit(id uuid.UUID, target DeviceTarget, changes EditSpec) ([]byte, error) {
	if err := Validate(EditRequest{Target: target, Changes: changes}); err != nil {
		return nil, err
	}
	m := newMessage(OpEdit, id)
	m.target(target)
	m.hdr.Size = uint64(changes.Size)
	m.hdr.Options = uint32(changes.Options)
	m.hdr.Mask = uint32(changes.Mask)
	return m.bytes()
}

// Encode encodes any request.
func Encode(id uuid.UUID, req Request) ([]byte, error) {
	e := &encoder{id: id}
	if err := req.Accept(e); err != nil {
		return nil, err
	}
	return e.out, nil
}

type encoder struct {
	id  uuid.UUID
	out []byte
}

func (e *encoder) VisitCreate(r CreateRequest) (err error) {
	e.out, err = EncodeCreate(e.id, r.Spec)
	return err
}

func (e *encoder) VisitRemove(r RemoveRequest) (err error) {
	e.out, err = EncodeRemove(e.id, r.Target, r.Force, r.Emergency)
	return err
}

func (e *encoder) VisitQuery(r QueryRequest) (err error) {
	e.out, err = EncodeQuery(e.id, r.Target)
	return err
}

func (e *encoder) VisitEdit(r EditRequest) (err error) {
	e.out, err = EncodeEdit(e.id, r.Target, r.Changes)
	return err
}

// Response is a decoded driver answer.
type Response struct {
	Opcode        Opcode
	RequestID     uuid.UUID
	Status        uint32
	DriverVersion uint16
	Units         []uint32
	Devices       []DeviceInfo
}

// Err classifies the raw status; nil on success.
func (r *Response) Err() error {
	return status.FromRaw(r.Status, r.Opcode.Scope())
}

func (r *Response) Result() status.Result {
	return status.ResultOf(r.Err(), "")
}

// Match checks that r answers the request op with the given id.
func (r *Response) Match(op Opcode, id uuid.UUID) error {
	if r.Opcode != op {
		return status.Errorf(status.Fatal, "driver answered %s to a %s request", r.Opcode, op)
	}
	if r.RequestID != id {
		return status.Errorf(status.Fatal, "driver answered request %s, expected %s", r.RequestID, id)
	}
	return nil
}

func truncated(what string) error {
	return status.Errorf(status.Fatal, "truncated driver response: %s", what)
}

// Decode parses a driver response.
func Decode(b []byte) (*Response, error) {
	if len(b) < len(responseMagic) {
		return nil, truncated("header")
	}
	if !bytes.Equal(b[:4], responseMagic[:]) {
		return nil, status.Errorf(status.DeviceInaccessible, "not a virtual disk device")
	}
	if len(b) < ResponseHeaderSize {
		return nil, truncated("header")
	}

	r := bytes.NewReader(b)
	var hdr responseHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, truncated("header")
	}
	if hdr.Version != ProtocolVersion {
		return nil, status.Errorf(status.DriverWrongVersion,
			"driver speaks protocol %#04x, this tool %#04x", hdr.Version, ProtocolVersion)
	}

	resp := &Response{
		Opcode:        Opcode(hdr.Opcode),
		RequestID:     uuid.UUID(hdr.ID),
		Status:        hdr.Status,
		DriverVersion: hdr.DriverVersion,
	}
	if !resp.Opcode.Valid() {
		return nil, status.Errorf(status.Fatal, "driver answered unknown opcode %d", hdr.Opcode)
	}

	if uint64(hdr.UnitCount)*4 > uint64(r.Len()) {
		return nil, truncated("unit list")
	}
	if hdr.UnitCount > 0 {
		resp.Units = make([]uint32, hdr.UnitCount)
		if err := binary.Read(r, binary.LittleEndian, resp.Units); err != nil {
			return nil, truncated("unit list")
		}
	}

	if uint64(hdr.DeviceCount)*DeviceRecordSize > uint64(r.Len()) {
		return nil, truncated("device records")
	}
	for i := uint32(0); i < hdr.DeviceCount; i++ {
		info, err := readDevice(r)
		if err != nil {
			return nil, err
		}
		resp.Devices = append(resp.Devices, info)
	}
	return resp, nil
}

func readDevice(r *bytes.Reader) (DeviceInfo, error) {
	var rec deviceRecord
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return DeviceInfo{}, truncated("device record")
	}
	names := make([]byte, int(rec.MountLen)+int(rec.FileLen))
	if _, err := io.ReadFull(r, names); err != nil {
		return DeviceInfo{}, truncated("device names")
	}
	mount, err := decodeName(names[:rec.MountLen])
	if err != nil {
		return DeviceInfo{}, err
	}
	file, err := decodeName(names[rec.MountLen:])
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Unit:       rec.Unit,
		Type:       DiskType(rec.DiskType),
		Options:    Options(rec.Options),
		Size:       int64(rec.Size),
		Offset:     int64(rec.Offset),
		SectorSize: rec.SectorSize,
		MountPoint: mount,
		File:       file,
	}, nil
}

// Envelope is a request as the driver sees it.
type Envelope struct {
	ID      uuid.UUID
	Opcode  Opcode
	Version uint16

	// Request is nil for OpVersion.
	Request Request
}

// DecodeRequest parses a control message on the driver side.
func DecodeRequest(b []byte) (*Envelope, error) {
	if len(b) < RequestHeaderSize {
		return nil, truncated("request header")
	}
	if !bytes.Equal(b[:4], requestMagic[:]) {
		return nil, status.Errorf(status.DeviceInaccessible, "not a control message")
	}
	r := bytes.NewReader(b)
	var hdr requestHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, truncated("request header")
	}
	names := make([]byte, int(hdr.FileLen)+int(hdr.MountLen))
	if _, err := io.ReadFull(r, names); err != nil {
		return nil, truncated("request names")
	}
	file, err := decodeName(names[:hdr.FileLen])
	if err != nil {
		return nil, err
	}
	mount, err := decodeName(names[hdr.FileLen:])
	if err != nil {
		return nil, err
	}

	env := &Envelope{ID: uuid.UUID(hdr.ID), Opcode: Opcode(hdr.Opcode), Version: hdr.Version}

	var target DeviceTarget
	if hdr.Flags&flagByMountPoint != 0 {
		target = DeviceTarget{mountPoint: mount}
	} else {
		target = ByUnit(hdr.Unit)
	}

	switch env.Opcode {
	case OpVersion:
	case OpCreate:
		env.Request = CreateRequest{Spec: DiskSpec{
			Type:       DiskType(hdr.DiskType),
			File:       file,
			Size:       int64(hdr.Size),
			Offset:     int64(hdr.Offset),
			SectorSize: hdr.SectorSize,
			Unit:       hdr.Unit,
			MountPoint: mount,
			Options:    Options(hdr.Options),
		}}
	case OpRemove:
		env.Request = RemoveRequest{
			Target:    target,
			Force:     hdr.Flags&flagForce != 0,
			Emergency: hdr.Flags&flagEmergency != 0,
		}
	case OpQuery:
		q := QueryRequest{}
		if hdr.Flags&flagTarget != 0 {
			q.Target = &target
		}
		env.Request = q
	case OpEdit:
		env.Request = EditRequest{Target: target, Changes: EditSpec{
			Size:    int64(hdr.Size),
			Options: Options(hdr.Options),
			Mask:    Options(hdr.Mask),
		}}
	default:
		return nil, status.Errorf(status.Fatal, "unknown opcode %d", hdr.Opcode)
	}
	return env, nil
}

// EncodeResponse encodes resp on the driver side.
func EncodeResponse(resp *Response) ([]byte, error) {
	hdr := responseHeader{
		Magic:         responseMagic,
		Version:       ProtocolVersion,
		Opcode:        uint16(resp.Opcode),
		ID:            resp.RequestID,
		Status:        resp.Status,
		DriverVersion: resp.DriverVersion,
		UnitCount:     uint32(len(resp.Units)),
		DeviceCount:   uint32(len(resp.Devices)),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("encode response header: %w", err)
	}
	if len(resp.Units) > 0 {
		if err := binary.Write(&buf, binary.LittleEndian, resp.Units); err != nil {
			return nil, fmt.Errorf("encode unit list: %w", err)
		}
	}
	for _, d := range resp.Devices {
		mount, err := encodeName(d.MountPoint)
		if err != nil {
			return nil, err
		}
		file, err := encodeName(d.File)
		if err != nil {
			return nil, err
		}
		rec := deviceRecord{
			Unit:       d.Unit,
			Options:    uint32(d.Options),
			DiskType:   uint8(d.Type),
			MountLen:   uint16(len(mount)),
			SectorSize: d.SectorSize,
			Size:       uint64(d.Size),
			Offset:     uint64(d.Offset),
			FileLen:    uint16(len(file)),
		}
		if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("encode device record: %w", err)
		}
		buf.Write(mount)
		buf.Write(file)
	}
	return buf.Bytes(), nil
}
