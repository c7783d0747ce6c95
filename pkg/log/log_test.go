// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "remap of %d pages failed", 3)

	got := buf.String()
	if !strings.HasPrefix(got, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("missing caller in %q", got)
	}
	if !strings.HasSuffix(got, "] remap of 3 pages failed\n") {
		t.Errorf("unexpected message: %q", got)
	}
}

type countingLogger struct {
	BasicLogger
	n    int
	last string
}

func (c *countingLogger) Warningf(format string, v ...any) {
	c.n++
	c.last = fmt.Sprintf(format, v...)
}

func TestRateLimitedLogger(t *testing.T) {
	c := &countingLogger{}
	rl := RateLimitedLogger(c, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("out of memory")
	}
	if c.n != 1 {
		t.Errorf("rate limited logger emitted %d statements, want 1", c.n)
	}
	if c.last != "out of memory" {
		t.Errorf("first statement = %q, want %q", c.last, "out of memory")
	}
}

func TestRateLimitedLoggerSuppressed(t *testing.T) {
	c := &countingLogger{}
	rl := RateLimitedLoggerBurst(c, time.Hour, 1).(*rateLimitedLogger)
	for i := 0; i < 4; i++ {
		rl.Warningf("allocating %s failed", "a page")
	}
	rl.limit = rate.NewLimiter(rate.Inf, 1)
	rl.Warningf("allocating %s failed", "a page")
	if want := "allocating a page failed (3 similar messages suppressed)"; c.last != want {
		t.Errorf("last statement = %q, want %q", c.last, want)
	}
	rl.Warningf("allocating %s failed", "a pool block")
	if want := "allocating a pool block failed"; c.last != want {
		t.Errorf("last statement = %q, want %q", c.last, want)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{"debug": Debug, "info": Info, "": Info, "warning": Warning} {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel(loud) succeeded")
	}
}
