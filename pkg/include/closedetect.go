package include

import (
	"strings"
)

// CloseDetectionObject is the abstraction that sends "endedit <file>" to
// the bridge when Pure-Data closes the patch
const CloseDetectionObject = "fc_isIncluded"

func closeDetectionLine(filename string) string {
	return "#X obj 10 10 " + CloseDetectionObject + " " + filename + ";\n"
}

// WithCloseDetection returns a copy of patch carrying a close detection
// object for filename. An existing one is updated in place; otherwise the
// object is added after the last object, before the trailing connections,
// so that the indices used by "#X connect" lines stay valid.
func WithCloseDetection(patch []byte, filename string) []byte {
	lines := strings.SplitAfter(string(patch), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
		lines[n-1] += "\n"
	}

	onClose := closeDetectionLine(filename)

	if i := findCloseDetection(lines); i >= 0 {
		lines[i] = onClose
		return []byte(strings.Join(lines, ""))
	}

	at := len(lines)
	for at > 0 && strings.HasPrefix(lines[at-1], "#X connect ") {
		at--
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, onClose)
	out = append(out, lines[at:]...)
	return []byte(strings.Join(out, ""))
}

// HasCloseDetection reports whether patch already carries the object
func HasCloseDetection(patch []byte) bool {
	return findCloseDetection(strings.SplitAfter(string(patch), "\n")) >= 0
}

func findCloseDetection(lines []string) int {
	for i, line := range lines {
		if strings.HasPrefix(line, "#X obj ") && strings.Contains(line, CloseDetectionObject) {
			return i
		}
	}
	return -1
}
