package core

import "bytes"

// lineSplitter turns a chunked stream into lines. A trailing partial line is
// kept until the next chunk or Flush.
type lineSplitter struct {
	buf  []byte
	emit func(line string)
}

func (l *lineSplitter) Write(chunk []byte) {
	l.buf = append(l.buf, chunk...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimRight(l.buf[:i], "\r")
		l.emit(string(line))
		l.buf = l.buf[i+1:]
	}
}

func (l *lineSplitter) Flush() {
	if len(l.buf) == 0 {
		return
	}
	line := bytes.TrimRight(l.buf, "\r")
	l.buf = nil
	l.emit(string(line))
}
