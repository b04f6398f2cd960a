// Package memstack is an in-process gatt.Stack. It keeps the declared tree,
// per-characteristic notification counts and a bounded notification history
// in memory so the publisher can run without a radio (dry runs, the simulate
// command and tests).
package memstack

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
)

// Notification is one value pushed through Notify.
type Notification struct {
	Service        gatt.UUID16
	Characteristic gatt.UUID16
	Value          []byte
	At             time.Time
}

// Op names a stack operation for failure injection.
type Op string

const (
	OpAdvertise Op = "advertise"
	OpDeclare   Op = "declare"
	OpNotify    Op = "notify"
)

// DefaultHistorySize is the number of notifications a Stack retains.
const DefaultHistorySize = 1024

// Option configures a Stack.
type Option func(*Stack)

// WithHistory sets how many notifications are retained. Older ones are
// dropped; counts and last values are kept regardless. n <= 0 selects
// DefaultHistorySize.
func WithHistory(n int) Option {
	return func(s *Stack) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// Stack is a thread-safe in-memory gatt.Stack.
type Stack struct {
	mu            sync.Mutex
	logger        *logrus.Logger
	tree          *gatt.Tree
	values        map[key][]byte
	advertisement *gatt.AdvertisementConfig
	notifications []Notification
	historySize   int
	notified      map[key]*notified
	declarations  int
	advertised    int
	failures      map[Op][]error
	closed        bool
}

type key struct {
	service gatt.UUID16
	char    gatt.UUID16
}

type notified struct {
	count int
	last  []byte
}

var _ gatt.Stack = (*Stack)(nil)

// New creates an empty stack. A nil logger gets a default one.
func New(logger *logrus.Logger, opts ...Option) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Stack{
		logger:      logger,
		values:      make(map[key][]byte),
		historySize: DefaultHistorySize,
		notified:    make(map[key]*notified),
		failures:    make(map[Op][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext queues err to be returned by the next call of op. Queued errors are
// consumed in order, one per call, and classified the way a real stack
// classifies its raw errors.
func (s *Stack) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Stack) popFailure(op Op) error {
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return gatt.Wrap(string(op), gatt.Classify(q[0]), q[0])
}

// Advertise records the advertisement configuration.
func (s *Stack) Advertise(cfg gatt.AdvertisementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return gatt.Wrap(string(OpAdvertise), gatt.KindOther, gatt.ErrClosed)
	}
	if err := s.popFailure(OpAdvertise); err != nil {
		return err
	}

	adv := cfg
	adv.ServiceUUIDs = append([]gatt.UUID16(nil), cfg.ServiceUUIDs...)
	s.advertisement = &adv
	s.advertised++

	s.logger.WithFields(logrus.Fields{
		"name":     cfg.Name,
		"services": cfg.ServiceUUIDs,
	}).Debug("memstack: advertising")
	return nil
}

// DeclareServices replaces the declared tree and resets all values to the
// tree's initial values.
func (s *Stack) DeclareServices(tree *gatt.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return gatt.Wrap(string(OpDeclare), gatt.KindOther, gatt.ErrClosed)
	}
	if err := s.popFailure(OpDeclare); err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		return err
	}

	s.tree = tree
	s.values = make(map[key][]byte)
	for _, svc := range tree.Services() {
		for _, c := range svc.Characteristics {
			s.values[key{svc.UUID, c.UUID}] = append([]byte(nil), c.Value...)
		}
	}
	s.declarations++

	s.logger.WithField("services", tree.ServiceUUIDs()).Debug("memstack: services declared")
	return nil
}

// Notify stores the value and records the notification, dropping the oldest
// retained one once the history is full.
func (s *Stack) Notify(service, char gatt.UUID16, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return gatt.Wrap(string(OpNotify), gatt.KindOther, gatt.ErrClosed)
	}
	if err := s.popFailure(OpNotify); err != nil {
		return err
	}
	if s.tree == nil {
		return &gatt.StackError{Kind: gatt.KindTransientRestart, Op: string(OpNotify), Err: fmt.Errorf("no services declared")}
	}
	c, err := s.tree.Lookup(service, char)
	if err != nil {
		return gatt.Wrap(string(OpNotify), gatt.KindInvalidUUID, err)
	}
	if !c.Properties.Has(gatt.PropNotify) {
		return &gatt.StackError{Kind: gatt.KindOther, Op: string(OpNotify), Err: fmt.Errorf("characteristic %s is not notifiable", char)}
	}
	if len(value) > gatt.MaxValueLength {
		return &gatt.StackError{Kind: gatt.KindOther, Op: string(OpNotify), Err: fmt.Errorf("value is %d bytes, max %d", len(value), gatt.MaxValueLength)}
	}

	k := key{service, char}
	v := append([]byte(nil), value...)
	s.values[k] = v

	n := s.notified[k]
	if n == nil {
		n = &notified{}
		s.notified[k] = n
	}
	n.count++
	n.last = v

	s.notifications = append(s.notifications, Notification{
		Service:        service,
		Characteristic: char,
		Value:          v,
		At:             time.Now(),
	})
	if len(s.notifications) >= 2*s.historySize {
		s.notifications = append(s.notifications[:0], s.retained()...)
	}
	return nil
}

// Close marks the stack closed. Further calls fail with gatt.ErrClosed.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Value returns the current value of a characteristic.
func (s *Stack) Value(service, char gatt.UUID16) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key{service, char}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Tree returns the last declared tree.
func (s *Stack) Tree() *gatt.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Advertisement returns the last advertisement configuration, or nil.
func (s *Stack) Advertisement() *gatt.AdvertisementConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertisement == nil {
		return nil
	}
	adv := *s.advertisement
	return &adv
}

// Notifications returns a copy of the retained notification history.
func (s *Stack) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.retained()...)
}

// retained is the newest historySize notifications. Callers hold s.mu.
func (s *Stack) retained() []Notification {
	if n := len(s.notifications); n > s.historySize {
		return s.notifications[n-s.historySize:]
	}
	return s.notifications
}

// NotificationsFor returns the retained values pushed to one characteristic,
// oldest first.
func (s *Stack) NotificationsFor(service, char gatt.UUID16) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, n := range s.retained() {
		if n.Service == service && n.Characteristic == char {
			out = append(out, n.Value)
		}
	}
	return out
}

// Notified returns how many notifications one characteristic received since
// the stack was created and the last value, even when the history has
// dropped them.
func (s *Stack) Notified(service, char gatt.UUID16) (int, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notified[key{service, char}]
	if n == nil {
		return 0, nil
	}
	return n.count, append([]byte(nil), n.last...)
}

// Declarations counts successful DeclareServices calls.
func (s *Stack) Declarations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declarations
}

// Advertisements counts successful Advertise calls.
func (s *Stack) Advertisements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertised
}

// Reset simulates the radio losing its state: declarations are dropped and
// Notify fails with a transient-restart error until services are declared again.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = nil
	s.values = make(map[key][]byte)
}
