package smtp

import (
	"fmt"
	"strings"

	"github.com/mailfold/mtad/internal/server"
)

// Reply is one SMTP response. Lines, when set, produce a multi-line reply
// with Message as the final line. A zero Code means the command already
// wrote its own replies.
type Reply struct {
	Code    int
	Message string
	Lines   []string
}

// enhancedCodes maps reply codes to their RFC 3463 enhanced status code.
// Codes absent from the map (334 challenges, 538) are sent bare.
var enhancedCodes = map[int]string{
	220: "2.0.0",
	221: "2.0.0",
	235: "2.7.0",
	250: "2.0.0",
	252: "2.5.3",
	354: "2.0.0",
	421: "4.3.0",
	450: "4.2.0",
	451: "4.3.0",
	452: "4.2.2",
	500: "5.5.2",
	501: "5.5.4",
	502: "5.5.1",
	503: "5.5.1",
	504: "5.5.4",
	530: "5.7.0",
	535: "5.7.8",
	550: "5.1.1",
	552: "5.2.2",
	554: "5.5.0",
}

// String renders the reply with CRLF line endings and enhanced status
// codes inserted between the code and the text.
func (r Reply) String() string {
	enhanced := enhancedCodes[r.Code]
	if enhanced != "" {
		enhanced += " "
	}

	if len(r.Lines) > 0 {
		var b strings.Builder
		for _, line := range r.Lines {
			fmt.Fprintf(&b, "%d-%s%s\r\n", r.Code, enhanced, line)
		}
		fmt.Fprintf(&b, "%d %s%s\r\n", r.Code, enhanced, r.Message)
		return b.String()
	}
	return fmt.Sprintf("%d %s%s\r\n", r.Code, enhanced, r.Message)
}

func writeReply(conn *server.Connection, r Reply) error {
	if _, err := conn.Writer().WriteString(r.String()); err != nil {
		return err
	}
	return conn.Flush()
}

// writeRaw sends a line that bypasses reply formatting, such as AUTH
// challenges.
func writeRaw(conn *server.Connection, line string) error {
	if _, err := conn.Writer().WriteString(line + "\r\n"); err != nil {
		return err
	}
	return conn.Flush()
}
