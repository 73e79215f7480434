// Package log implements utility methods for logging in a colorful manner.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// FancyLogFormatter is the default formatter of vmcache.
type FancyLogFormatter struct {
	UseColors bool
	// NoCaller disables printing the file and line of the log call.
	NoCaller bool
}

var levelTags = map[logrus.Level]string{
	logrus.DebugLevel: "DBG",
	logrus.InfoLevel:  "INF",
	logrus.WarnLevel:  "WRN",
	logrus.ErrorLevel: "ERR",
	logrus.FatalLevel: "FTL",
	logrus.PanicLevel: "PNC",
}

var colorTable = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgMagenta, color.Bold),
	logrus.PanicLevel: color.New(color.FgMagenta, color.Bold),
}

func init() {
	// The color package disables itself without a tty; UseColors decides.
	for _, c := range colorTable {
		c.EnableColor()
	}
}

func colorize(useColors bool, level logrus.Level, msg string) string {
	if !useColors {
		return msg
	}

	c, ok := colorTable[level]
	if !ok {
		return msg
	}

	return c.Sprint(msg)
}

func formatFields(useColors bool, buffer *bytes.Buffer, entry *logrus.Entry) {
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	buffer.WriteString(" [")
	for idx, key := range keys {
		if idx > 0 {
			buffer.WriteByte(' ')
		}

		buffer.WriteString(colorize(useColors, entry.Level, key))
		buffer.WriteByte('=')

		switch v := entry.Data[key].(type) {
		case error:
			buffer.WriteString(colorize(useColors, logrus.ErrorLevel, v.Error()))
		default:
			fmt.Fprintf(buffer, "%v", v)
		}
	}

	buffer.WriteByte(']')
}

func findCaller() (string, int, bool) {
	pcs := make([]uintptr, 20)
	nCallers := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:nCallers])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "sirupsen/logrus") &&
			!strings.HasSuffix(frame.Function, "util/log.(*FancyLogFormatter).Format") {
			tag := "vmcache/"
			if idx := strings.LastIndex(frame.File, tag); idx != -1 {
				return frame.File[idx+len(tag):], frame.Line, true
			}

			return filepath.Base(frame.File), frame.Line, frame.File != ""
		}

		if !more {
			break
		}
	}

	return "", 0, false
}

// Format logs a single entry according to our formatting ideas.
func (flf *FancyLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	prefix := entry.Time.Format("15:04:05.000") + " " + levelTags[entry.Level]

	buffer := &bytes.Buffer{}
	buffer.WriteString(colorize(flf.UseColors, entry.Level, prefix))

	if !flf.NoCaller {
		if file, line, ok := findCaller(); ok {
			fmt.Fprintf(buffer, " %s:%d:", file, line)
		}
	}

	buffer.WriteByte(' ')
	buffer.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		formatFields(flf.UseColors, buffer, entry)
	}

	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// IsTerminal reports whether `w` is a terminal.
func IsTerminal(w io.Writer) bool {
	fd, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(fd.Fd()) || isatty.IsCygwinTerminal(fd.Fd())
}

// Setup configures the global logger to write to `w` with `level`.
// Colors are only used when `w` is a terminal.
func Setup(w io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&FancyLogFormatter{UseColors: IsTerminal(w)})
	return nil
}
