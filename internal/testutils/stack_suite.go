//go:build test

package testutils

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/gatt/memstack"
	"github.com/stretchr/testify/suite"
)

// StackSuite is a base suite giving every test a fresh in-memory GATT stack
// and a capturing logger.
//
//	type PublisherSuite struct {
//	    testutils.StackSuite
//	}
//
//	func (s *PublisherSuite) TestSomething() {
//	    s.Require().NoError(s.Stack.DeclareServices(tree))
//	    s.AssertNotified(0x180D, 0x2A37, []byte{0x06, 72})
//	}
type StackSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	Stack  *memstack.Stack
}

// SetupTest creates a new stack and logger for every test method.
func (s *StackSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Stack = memstack.New(s.Logger)
}

// TearDownTest closes the stack.
func (s *StackSuite) TearDownTest() {
	if s.Stack != nil {
		_ = s.Stack.Close()
	}
}

// AssertNotified checks the exact sequence of values pushed to a characteristic.
func (s *StackSuite) AssertNotified(service, char gatt.UUID16, expected ...[]byte) {
	s.T().Helper()
	got := s.Stack.NotificationsFor(service, char)
	if len(expected) == 0 {
		s.Empty(got, "expected no notifications on %s/%s", service, char)
		return
	}
	s.Equal(expected, got, "notifications on %s/%s", service, char)
}

// AssertLogged checks that at least one entry at level contains substr.
func (s *StackSuite) AssertLogged(level logrus.Level, substr string) {
	s.T().Helper()
	for _, msg := range s.Helper.Messages(level) {
		if strings.Contains(msg, substr) {
			return
		}
	}
	s.Failf("log entry not found", "no %s entry containing %q in %v", level, substr, s.Helper.Messages(level))
}
