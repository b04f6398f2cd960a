//go:build test

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/wearbeat/internal/gatt"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs wearbeat commands through rootCmd and restores
// command state between tests.
type CommandTestSuite struct {
	suite.Suite

	origOpenStack func(string, *logrus.Logger) (gatt.Stack, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.origOpenStack = openStack
}

func (s *CommandTestSuite) TearDownTest() {
	openStack = s.origOpenStack
	resetFlags(rootCmd)
}

// resetFlags puts every flag of cmd and its children back to its default so
// values do not leak between executions of the shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs rootCmd with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	return buf.String(), err
}

// WriteFile creates a file in a per-test temporary directory.
func (s *CommandTestSuite) WriteFile(name, content string) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "temp file MUST be writable")
	return path
}
