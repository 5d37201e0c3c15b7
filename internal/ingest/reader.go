package ingest

import (
	"bufio"
	"io"
)

const readBufferSize = 64 * 1024

// lineReader walks a conversation file line by line, tracking the byte
// offset of everything fully consumed. A trailing partial line (the file is
// being appended to) is held back: Next reports io.EOF and Offset stays at
// the end of the last complete line, so the offset never commits past
// content that could still change.
type lineReader struct {
	r      *bufio.Reader
	offset int64
}

func newLineReader(r io.Reader, startOffset int64) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, readBufferSize),
		offset: startOffset,
	}
}

// Next returns the next complete line without its newline. io.EOF means no
// more complete lines are available.
func (lr *lineReader) Next() ([]byte, error) {
	line, err := lr.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			// Partial trailing line: leave it for the next run.
			return nil, io.EOF
		}
		return nil, err
	}
	lr.offset += int64(len(line))

	// Strip the newline and an optional carriage return.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// Offset is the byte position just past the last complete line returned.
func (lr *lineReader) Offset() int64 { return lr.offset }
