package logger

import (
	"bytes"
	"io"
	"time"
)

type destinationSyslog struct {
	syslog     io.WriteCloser
	structured bool
	buf        bytes.Buffer
}

func newDestinationSyslog(prefix string, structured bool) (destination, error) {
	syslog, err := newSyslog(prefix)
	if err != nil {
		return nil, err
	}

	return &destinationSyslog{
		syslog:     syslog,
		structured: structured,
	}, nil
}

func (d *destinationSyslog) log(t time.Time, level Level, format string, args ...interface{}) {
	d.buf.Reset()
	if d.structured {
		writeStructured(&d.buf, t, level, format, args)
	} else {
		writeTime(&d.buf, t, false)
		writeLevel(&d.buf, level, false)
		writeContent(&d.buf, format, args)
	}
	d.syslog.Write(d.buf.Bytes()) //nolint:errcheck
}

func (d *destinationSyslog) close() {
	d.syslog.Close()
}
