// Package script runs Lua scripts that stand in for the GPS receiver and the
// heart-rate monitor. A script drives the router through these globals:
//
//	emit_hrm(bpm, confidence)      -- confidence 0-100
//	emit_fix(lat, lon [, fix])     -- fix defaults to true; pass nil coordinates for "no position"
//	sleep(ms)                      -- raises an error once the simulation is cancelled
//	running()                      -- false once the simulation is cancelled
//	log(...)                       -- info-level log line
//
// print is redirected to the debug log.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/sensor"
)

// errCancelled is raised inside Lua when the context ends.
const errCancelled = "simulation cancelled"

// ScriptError describes a Lua failure.
type ScriptError struct {
	Source  string
	Line    int
	Message string
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("lua error in %s line %d: %s", e.Source, e.Line, e.Message)
	}
	return fmt.Sprintf("lua error in %s: %s", e.Source, e.Message)
}

// Simulator is a sensor.Feed backed by a Lua script.
type Simulator struct {
	name   string
	source string
	logger *logrus.Logger
}

var _ sensor.Feed = (*Simulator)(nil)

// New creates a simulator for a script held in memory.
func New(name, source string, logger *logrus.Logger) *Simulator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Simulator{name: name, source: source, logger: logger}
}

// Load reads a script from disk.
func Load(path string, logger *logrus.Logger) (*Simulator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return New(path, string(content), logger), nil
}

func (s *Simulator) Name() string { return s.name }

// Run executes the script until it returns or ctx is cancelled. Cancellation
// is not an error.
func (s *Simulator) Run(ctx context.Context, sink sensor.Sink) error {
	if strings.TrimSpace(s.source) == "" {
		return &ScriptError{Source: s.name, Message: "empty script"}
	}

	L := lua.NewState()
	defer L.Close()
	L.OpenLibs()

	log := s.logger.WithField("script", s.name)
	s.register(ctx, L, sink, log)

	if err := L.DoString(s.source); err != nil {
		if ctx.Err() != nil {
			log.Debug("Simulation cancelled")
			return nil
		}
		return s.scriptError(err)
	}
	log.Debug("Simulation finished")
	return nil
}

func (s *Simulator) register(ctx context.Context, L *lua.State, sink sensor.Sink, log *logrus.Entry) {
	alive := func(L *lua.State) {
		if ctx.Err() != nil {
			L.RaiseError(errCancelled)
		}
	}

	L.Register("emit_hrm", safe("emit_hrm", func(L *lua.State) int {
		alive(L)
		if !L.IsNumber(1) || !L.IsNumber(2) {
			L.RaiseError("emit_hrm(bpm, confidence) expects two numbers")
			return 0
		}
		bpm, confidence := L.ToInteger(1), L.ToInteger(2)
		if bpm < 0 || bpm > 255 {
			L.RaiseError(fmt.Sprintf("emit_hrm: bpm %d out of range 0-255", bpm))
			return 0
		}
		if confidence < 0 || confidence > 100 {
			L.RaiseError(fmt.Sprintf("emit_hrm: confidence %d out of range 0-100", confidence))
			return 0
		}
		sink.Sample(sensor.HeartRateSample{BPM: uint8(bpm), Confidence: uint8(confidence)})
		return 0
	}))

	L.Register("emit_fix", safe("emit_fix", func(L *lua.State) int {
		alive(L)
		fix := sensor.GPSFix{Fix: true}
		if !L.IsNoneOrNil(1) {
			if !L.IsNumber(1) {
				L.RaiseError("emit_fix(lat, lon [, fix]) expects numbers or nil")
				return 0
			}
			fix.Latitude = sensor.Float(L.ToNumber(1))
		}
		if !L.IsNoneOrNil(2) {
			if !L.IsNumber(2) {
				L.RaiseError("emit_fix(lat, lon [, fix]) expects numbers or nil")
				return 0
			}
			fix.Longitude = sensor.Float(L.ToNumber(2))
		}
		if !L.IsNoneOrNil(3) {
			fix.Fix = L.ToBoolean(3)
		}
		fix.Time = time.Now().UTC()
		sink.Fix(fix)
		return 0
	}))

	L.Register("sleep", safe("sleep", func(L *lua.State) int {
		if !L.IsNumber(1) {
			L.RaiseError("sleep(milliseconds) expects a number argument")
			return 0
		}
		ms := L.ToInteger(1)
		if ms < 0 {
			L.RaiseError("sleep(milliseconds) expects a non-negative number")
			return 0
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			L.RaiseError(errCancelled)
		}
		return 0
	}))

	L.Register("running", func(L *lua.State) int {
		L.PushBoolean(ctx.Err() == nil)
		return 1
	})

	L.Register("log", func(L *lua.State) int {
		log.Info(joinArgs(L))
		return 0
	})

	L.Register("print", func(L *lua.State) int {
		log.Debug(joinArgs(L))
		return 0
	})
}

// safe turns Go panics other than Lua errors into Lua errors so a faulty
// callback does not take the process down.
func safe(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) (n int) {
		defer func() {
			if r := recover(); r != nil {
				var le *lua.LuaError
				if err, ok := r.(error); ok && errors.As(err, &le) {
					panic(r)
				}
				L.RaiseError(fmt.Sprintf("%s(): %v", name, r))
			}
		}()
		return fn(L)
	}
}

func joinArgs(L *lua.State) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		switch {
		case L.IsNil(i):
			parts = append(parts, "nil")
		case L.IsBoolean(i):
			parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
		case L.IsNumber(i):
			parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
		case L.IsString(i):
			parts = append(parts, L.ToString(i))
		default:
			parts = append(parts, L.Typename(int(L.Type(i))))
		}
	}
	return strings.Join(parts, "\t")
}

// scriptError extracts the line number from messages shaped like
// `[string "..."]:12: message`.
func (s *Simulator) scriptError(err error) *ScriptError {
	msg := err.Error()
	var le *lua.LuaError
	if errors.As(err, &le) {
		msg = le.Error()
	}

	out := &ScriptError{Source: s.name, Message: msg}
	if i := strings.Index(msg, "]:"); i >= 0 {
		rest := msg[i+2:]
		if parts := strings.SplitN(rest, ":", 2); len(parts) == 2 {
			var line int
			if n, scanErr := fmt.Sscanf(parts[0], "%d", &line); scanErr == nil && n == 1 {
				out.Line = line
				out.Message = strings.TrimSpace(parts[1])
			}
		}
	}
	return out
}
