package smtp4j

import (
	"bufio"
	"io"
)

// maxCommandLineLength bounds a command line per RFC 5321 4.5.3.1.6. DATA
// lines are not subject to this ceiling, only to the connection-wide byte
// ceiling below.
const maxCommandLineLength = 1000

// lineReader reads CRLF-terminated lines from a peer stream, returning
// each line without its terminating CRLF. A lone LF also terminates a
// line (permissive, matching real-world clients). EOF before a terminator
// returns whatever was buffered, then io.EOF on the next call.
//
// Grounded on goms/inboundconnection.go's ReadSlice('\n') handling in
// doDATA, generalised to cover the command-line case too.
type lineReader struct {
	r         *bufio.Reader
	maxSize   int64 // 0 == unlimited
	totalRead int64
}

func newLineReader(r *bufio.Reader, maxSize int64) *lineReader {
	return &lineReader{r: r, maxSize: maxSize}
}

// readLine reads one line. It enforces the cumulative byte ceiling across
// the whole connection (not just this line): once maxSize would be
// exceeded, it returns a *SizeExceededError instead of the line.
func (lr *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.totalRead += int64(len(chunk))
		if lr.maxSize > 0 && lr.totalRead > lr.maxSize {
			return nil, &SizeExceededError{Limit: int(lr.maxSize)}
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, err
	}
	return trimLineEnding(line), nil
}

// readCommandLine reads one command-phase line and additionally enforces
// maxCommandLineLength, on top of the connection-wide byte ceiling that
// readLine alone enforces. This is distinct per spec 6: "Default max line
// length: 1000 octets for commands; DATA accepts arbitrarily long lines
// subject to the connection byte ceiling" -- so DATA-phase reads (and the
// AUTH response line, which carries an arbitrary-length base64 blob) call
// readLine directly and skip this cap.
func (lr *lineReader) readCommandLine() ([]byte, error) {
	line, err := lr.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) > maxCommandLineLength {
		return line, &ProtocolError{Code: 500, Msg: "line too long"}
	}
	return line, nil
}

// trimLineEnding strips a single trailing LF, and a CR immediately before
// it if present.
func trimLineEnding(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
