package lineend

// Line terminators recognized in message content.
const (
	CRLF = "\r\n"
	CR   = "\r"
	LF   = "\n"
)

// Split cuts b into lines, each keeping its terminator. A trailing line
// without a terminator is returned as-is.
func Split(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\n':
			lines = append(lines, b[start:i+1])
			start = i + 1
		case '\r':
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
			lines = append(lines, b[start:i+1])
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, b[start:])
	}
	return lines
}

// Terminator returns the trailing line terminator of line, or nil when
// the line has none.
func Terminator(line []byte) []byte {
	n := len(line)
	if n == 0 {
		return nil
	}
	switch line[n-1] {
	case '\n':
		if n > 1 && line[n-2] == '\r' {
			return line[n-2:]
		}
		return line[n-1:]
	case '\r':
		return line[n-1:]
	}
	return nil
}

// IsBlank reports whether line consists of nothing but a terminator,
// which is what separates a header block from the body.
func IsBlank(line []byte) bool {
	switch len(line) {
	case 1:
		return line[0] == '\n' || line[0] == '\r'
	case 2:
		return line[0] == '\r' && line[1] == '\n'
	}
	return false
}

// TrimTerminator returns line without its trailing terminator.
func TrimTerminator(line []byte) []byte {
	return line[:len(line)-len(Terminator(line))]
}
