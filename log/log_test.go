package log

import (
	"bytes"
	stdLog "log"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tsRegex = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{0,9}Z`

func TestLoggerLogfmt(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtLogfmt, LevelDebug)
	require.NoError(t, err)

	l.Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`level=debug ts=`+tsRegex+` caller=log_test\.go:\d{1,4} module=log-test msg="a statement"`),
		b.String())
}

func TestLoggerJSON(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.Debug("a statement")
	//nolint:goconst
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","level":"debug","module":"log-test","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestLoggerInvalid(t *testing.T) {
	var b bytes.Buffer
	_, err := NewLogger("log-test", &b, Format(255), LevelDebug)
	require.Error(t, err)
}

func TestWith(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.With("subscription", "abc").Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","level":"debug","module":"log-test","msg":"a statement","subscription":"abc","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestWithModule(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.WithModule("log-test-2").Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","level":"debug","module":"log-test-2","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestLevels(t *testing.T) {
	for _, tc := range []struct {
		name  string
		level Level
		emit  func(l *Logger)
	}{
		{"debug", LevelDebug, func(l *Logger) { l.Debug("a statement") }},
		{"info", LevelInfo, func(l *Logger) { l.Info("a statement") }},
		{"warn", LevelWarn, func(l *Logger) { l.Warn("a statement") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var b bytes.Buffer
			l, err := NewLogger("log-test", &b, FmtJSON, tc.level+1)
			require.NoError(t, err)
			tc.emit(l)
			require.Equal(t, 0, b.Len())

			l, err = NewLogger("log-test", &b, FmtJSON, tc.level)
			require.NoError(t, err)
			tc.emit(l)
			require.NotEqual(t, 0, b.Len())
		})
	}
}

func TestError(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelError)
	require.NoError(t, err)

	l.Error("a statement")
	require.NotEqual(t, 0, b.Len())
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	require.NotPanics(t, func() {
		l.Error("dropped")
		l.With("k", "v").WithModule("m").Info("dropped")
	})
}

func TestWriterIntoLogger(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	std := stdLog.New(WriterIntoLogger(l.WithModule("std")), "", 0)
	std.Print("hello from stdlib")
	require.Contains(t, b.String(), `"module":"std"`)
	require.Contains(t, b.String(), `"msg":"hello from stdlib"`)
}

func TestLevel(t *testing.T) {
	var lvl Level
	ls := lvl.Type()

	for _, l := range strings.Split(ls[1:len(ls)-1], ",") {
		require.NoError(t, lvl.Set(l))
		require.Equal(t, l, lvl.String())
	}
	require.NoError(t, lvl.Set("warning"))
	require.Equal(t, LevelWarn, lvl)
	require.Error(t, lvl.Set("invalid"))

	lvl = Level(255)
	require.Panics(t, func() { _ = lvl.String() })
}

func TestFormat(t *testing.T) {
	var fmt Format
	fs := fmt.Type()

	for _, f := range strings.Split(fs[1:len(fs)-1], ",") {
		require.NoError(t, fmt.Set(f))
		require.Equal(t, f, fmt.String())
	}
	require.Error(t, fmt.Set("invalid"))

	fmt = Format(255)
	require.Panics(t, func() { _ = fmt.String() })
}
