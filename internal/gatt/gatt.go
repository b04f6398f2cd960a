// Package gatt describes the GATT server surface the telemetry publisher needs
// from a BLE stack: advertising, declaring a service tree and pushing
// characteristic notifications.
//
// Concrete stacks live in sub-packages (goble, bluez, memstack). Callers only
// ever see the Stack interface and the structured errors declared in errors.go.
package gatt

import (
	"fmt"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MaxValueLength is the largest attribute value the ATT protocol allows.
const MaxValueLength = 512

// UUID16 is a Bluetooth SIG assigned 16-bit UUID.
type UUID16 uint16

// String renders the UUID as four lowercase hex digits, the same form the
// UUID database uses for lookups.
func (u UUID16) String() string {
	return fmt.Sprintf("%04x", uint16(u))
}

// ParseUUID16 accepts "180d", "180D", "0x180d" and the full SIG base form
// "0000180d-0000-1000-8000-00805f9b34fb".
func ParseUUID16(s string) (UUID16, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "0x")
	v = strings.ReplaceAll(v, "-", "")
	if len(v) == 32 {
		if !strings.HasSuffix(v, "00001000800000805f9b34fb") || !strings.HasPrefix(v, "0000") {
			return 0, fmt.Errorf("%w: %q is not a 16-bit SIG UUID", ErrInvalidUUID, s)
		}
		v = v[4:8]
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	n, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	return UUID16(n), nil
}

// Property is a bit set of characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropNotify
)

func (p Property) Has(flag Property) bool {
	return p&flag != 0
}

func (p Property) String() string {
	var parts []string
	if p.Has(PropRead) {
		parts = append(parts, "read")
	}
	if p.Has(PropNotify) {
		parts = append(parts, "notify")
	}
	return strings.Join(parts, ",")
}

// Characteristic is a single characteristic declaration. Value is the
// initial value for notifiable characteristics and the fixed value for
// read-only ones.
type Characteristic struct {
	UUID       UUID16
	Properties Property
	Value      []byte
}

// Service is a primary service with its characteristics in declaration order.
type Service struct {
	UUID            UUID16
	Characteristics []*Characteristic
}

// Characteristic returns the characteristic with the given UUID or nil.
func (s *Service) Characteristic(uuid UUID16) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == uuid {
			return c
		}
	}
	return nil
}

// Tree is an insertion-ordered set of services. Stacks declare services in
// the order they were added.
type Tree struct {
	services *orderedmap.OrderedMap[UUID16, *Service]
}

func NewTree() *Tree {
	return &Tree{services: orderedmap.New[UUID16, *Service]()}
}

// AddService appends a service, or returns the existing one with the same UUID.
func (t *Tree) AddService(uuid UUID16) *Service {
	if svc, ok := t.services.Get(uuid); ok {
		return svc
	}
	svc := &Service{UUID: uuid}
	t.services.Set(uuid, svc)
	return svc
}

// AddCharacteristic appends a characteristic to an existing or new service.
// The value is copied.
func (t *Tree) AddCharacteristic(service, uuid UUID16, props Property, value []byte) *Characteristic {
	svc := t.AddService(service)
	c := &Characteristic{UUID: uuid, Properties: props, Value: append([]byte(nil), value...)}
	svc.Characteristics = append(svc.Characteristics, c)
	return c
}

// Service returns the service with the given UUID or nil.
func (t *Tree) Service(uuid UUID16) *Service {
	svc, _ := t.services.Get(uuid)
	return svc
}

// Services returns services in declaration order.
func (t *Tree) Services() []*Service {
	out := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ServiceUUIDs returns service UUIDs in declaration order.
func (t *Tree) ServiceUUIDs() []UUID16 {
	out := make([]UUID16, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Lookup finds a characteristic by service and characteristic UUID.
func (t *Tree) Lookup(service, char UUID16) (*Characteristic, error) {
	svc := t.Service(service)
	if svc == nil {
		return nil, &StackError{Kind: KindInvalidUUID, Op: "lookup", Err: fmt.Errorf("service %s not declared", service)}
	}
	c := svc.Characteristic(char)
	if c == nil {
		return nil, &StackError{Kind: KindInvalidUUID, Op: "lookup", Err: fmt.Errorf("characteristic %s not declared in service %s", char, service)}
	}
	return c, nil
}

// Validate checks the tree before it reaches a stack.
func (t *Tree) Validate() error {
	if t == nil || t.services.Len() == 0 {
		return &StackError{Kind: KindOther, Op: "declare", Err: fmt.Errorf("empty service tree")}
	}
	for _, svc := range t.Services() {
		if svc.UUID == 0 {
			return &StackError{Kind: KindInvalidUUID, Op: "declare", Err: fmt.Errorf("service UUID 0000 is reserved")}
		}
		seen := make(map[UUID16]struct{}, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			if c.UUID == 0 {
				return &StackError{Kind: KindInvalidUUID, Op: "declare", Err: fmt.Errorf("characteristic UUID 0000 in service %s", svc.UUID)}
			}
			if _, dup := seen[c.UUID]; dup {
				return &StackError{Kind: KindInvalidUUID, Op: "declare", Err: fmt.Errorf("duplicate characteristic %s in service %s", c.UUID, svc.UUID)}
			}
			seen[c.UUID] = struct{}{}
			if c.Properties == 0 {
				return &StackError{Kind: KindOther, Op: "declare", Err: fmt.Errorf("characteristic %s has no properties", c.UUID)}
			}
			if len(c.Value) > MaxValueLength {
				return &StackError{Kind: KindOther, Op: "declare", Err: fmt.Errorf("characteristic %s value is %d bytes, max %d", c.UUID, len(c.Value), MaxValueLength)}
			}
		}
	}
	return nil
}

// AdvertisementConfig controls how the device advertises itself.
type AdvertisementConfig struct {
	Name          string
	Connectable   bool
	Discoverable  bool
	Scannable     bool
	WhenConnected bool // keep advertising while a central is connected
	ServiceUUIDs  []UUID16
}

// Stack is the GATT server a publisher talks to.
//
// Implementations classify their failures into StackError kinds before
// returning them; callers never inspect message text.
type Stack interface {
	// Advertise (re)starts advertising with the given configuration.
	Advertise(cfg AdvertisementConfig) error

	// DeclareServices replaces every previously declared service with tree.
	DeclareServices(tree *Tree) error

	// Notify updates a characteristic value and notifies subscribed centrals.
	Notify(service, characteristic UUID16, value []byte) error

	// Close stops advertising and releases the stack.
	Close() error
}
