package logger

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/gookit/color"
	"golang.org/x/term"
)

type colorCode int

const (
	colorGray colorCode = iota
	colorDebug
	colorInfo
	colorWarn
	colorError
)

func renderColor(c colorCode, s string) string {
	switch c {
	case colorGray:
		return color.RenderString(color.Gray.Code(), s)
	case colorDebug:
		return color.RenderString(color.Debug.Code(), s)
	case colorInfo:
		return color.RenderString(color.Green.Code(), s)
	case colorWarn:
		return color.RenderString(color.Warn.Code(), s)
	default:
		return color.RenderString(color.Error.Code(), s)
	}
}

type destinationStdout struct {
	w          io.Writer
	useColor   bool
	structured bool
	buf        bytes.Buffer
}

func newDestinationStdout(w io.Writer, structured bool) destination {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = term.IsTerminal(int(f.Fd()))
	}

	return &destinationStdout{
		w:          w,
		useColor:   useColor,
		structured: structured,
	}
}

func (d *destinationStdout) log(t time.Time, level Level, format string, args ...interface{}) {
	d.buf.Reset()
	if d.structured {
		writeStructured(&d.buf, t, level, format, args)
	} else {
		writeTime(&d.buf, t, d.useColor)
		writeLevel(&d.buf, level, d.useColor)
		writeContent(&d.buf, format, args)
	}
	d.w.Write(d.buf.Bytes()) //nolint:errcheck
}

func (d *destinationStdout) close() {
}
