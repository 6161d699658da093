package protocol

import (
	"fmt"

	"github.com/gajzzs/vdiskctl/internal/status"
)

// Opcode identifies the kind of control message.
type Opcode uint16

const (
	OpVersion Opcode = iota + 1
	OpCreate
	OpRemove
	OpQuery
	OpEdit
)

func (op Opcode) String() string {
	switch op {
	case OpVersion:
		return "version"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpQuery:
		return "query"
	case OpEdit:
		return "edit"
	}
	return fmt.Sprintf("Opcode(%d)", uint16(op))
}

func (op Opcode) Valid() bool {
	return op >= OpVersion && op <= OpEdit
}

// Scope tells the status interpreter how to read a raw code answering op.
func (op Opcode) Scope() status.Scope {
	switch op {
	case OpCreate, OpEdit:
		return status.ScopeConfigure
	case OpRemove:
		return status.ScopeRemove
	}
	return status.ScopeQuery
}

// Request is one operation to send to the driver. The set of variants is
// closed; use a RequestVisitor to handle them exhaustively.
type Request interface {
	Opcode() Opcode
	Accept(v RequestVisitor) error
	request()
}

// RequestVisitor has one method per Request variant.
type RequestVisitor interface {
	VisitCreate(r CreateRequest) error
	VisitRemove(r RemoveRequest) error
	VisitQuery(r QueryRequest) error
	VisitEdit(r EditRequest) error
}

// CreateRequest attaches a new virtual disk.
type CreateRequest struct {
	Spec DiskSpec
}

// RemoveRequest detaches a device. Force detaches even when the device is
// in use; Emergency removes the unit without dismounting.
type RemoveRequest struct {
	Target    DeviceTarget
	Force     bool
	Emergency bool
}

// QueryRequest lists all units when Target is nil and describes one device
// otherwise.
type QueryRequest struct {
	Target *DeviceTarget
}

// EditRequest changes an existing device.
type EditRequest struct {
	Target  DeviceTarget
	Changes EditSpec
}

func (CreateRequest) Opcode() Opcode { return OpCreate }
func (RemoveRequest) Opcode() Opcode { return OpRemove }
func (QueryRequest) Opcode() Opcode  { return OpQuery }
func (EditRequest) Opcode() Opcode   { return OpEdit }

func (r CreateRequest) Accept(v RequestVisitor) error { return v.VisitCreate(r) }
func (r RemoveRequest) Accept(v RequestVisitor) error { return v.VisitRemove(r) }
func (r QueryRequest) Accept(v RequestVisitor) error  { return v.VisitQuery(r) }
func (r EditRequest) Accept(v RequestVisitor) error   { return v.VisitEdit(r) }

func (CreateRequest) request() {}
func (RemoveRequest) request() {}
func (QueryRequest) request()  {}
func (EditRequest) request()   {}

// NewQuery builds a QueryRequest; a nil target lists all units.
func NewQuery(target *DeviceTarget) QueryRequest {
	if target == nil {
		return QueryRequest{}
	}
	t := *target
	return QueryRequest{Target: &t}
}

// Validate checks a request without contacting the driver.
func Validate(req Request) error {
	return req.Accept(validator{})
}

type validator struct{}

func (validator) VisitCreate(r CreateRequest) error {
	return r.Spec.Validate()
}

func (validator) VisitRemove(r RemoveRequest) error {
	if !r.Target.Valid() {
		return status.Errorf(status.BadSyntax, "a unit number or a mount point is required")
	}
	if _, byUnit := r.Target.Unit(); r.Emergency && !byUnit {
		return status.Errorf(status.BadSyntax, "emergency removal needs a unit number")
	}
	return nil
}

func (validator) VisitQuery(r QueryRequest) error {
	if r.Target != nil && !r.Target.Valid() {
		return status.Errorf(status.BadSyntax, "give either a unit number or a mount point, not both")
	}
	return nil
}

func (validator) VisitEdit(r EditRequest) error {
	if !r.Target.Valid() {
		return status.Errorf(status.BadSyntax, "a unit number or a mount point is required")
	}
	return r.Changes.Validate()
}
