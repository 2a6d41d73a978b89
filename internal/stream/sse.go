package stream

import (
	"bufio"
	"io"
	"strings"
)

// frame is one tagged text frame from the wire: an event tag plus its data
// payload, terminated by a blank line.
type frame struct {
	event string
	data  string
}

const maxFrameLineBytes = 1 << 20

// readFrames parses tagged frames from reader and sends each complete one
// to out. Returns the read error that ended the stream; io.EOF means the
// server closed it cleanly. Field lines it does not understand (comments,
// id fields) are skipped rather than treated as errors.
func readFrames(reader io.Reader, out chan<- frame) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameLineBytes)

	var current frame
	var sawField bool
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if sawField {
				out <- current
				current = frame{}
				sawField = false
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value := splitField(line)
		switch field {
		case "event":
			current.event = value
			sawField = true
		case "data":
			if current.data != "" {
				current.data += "\n"
			}
			current.data += value
			sawField = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func splitField(line string) (field, value string) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return line, ""
	}
	field = line[:colon]
	value = line[colon+1:]
	// One leading space after the colon is part of the delimiter.
	value = strings.TrimPrefix(value, " ")
	return field, value
}
