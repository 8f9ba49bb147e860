package script

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const csvLineTerminator = "\r\n"

// CSV renders the timeline in the upload format accepted by the remote
// device: a "#Created by" header line followed by one "<at>,<pos>" line per
// keyframe. The header date is in HTTP format ("... 12:00:00 GMT"). Positions are the normalized ones, since the remote device has no
// notion of inversion or authored range.
func (t *Timeline) CSV(app string, now time.Time) ([]byte, error) {
	if t.Len() == 0 {
		return nil, ErrInvalidScript
	}
	if strings.TrimSpace(app) == "" {
		app = "motionsync"
	}

	var b strings.Builder
	b.Grow(32 + len(t.keyframes)*12)
	b.WriteString("#Created by ")
	b.WriteString(app)
	b.WriteString(" ")
	b.WriteString(now.UTC().Format(http.TimeFormat))
	b.WriteString("\n")
	for _, kf := range t.keyframes {
		b.WriteString(strconv.FormatInt(kf.At, 10))
		b.WriteString(",")
		b.WriteString(strconv.FormatFloat(kf.Pos, 'f', -1, 64))
		b.WriteString(csvLineTerminator)
	}
	return []byte(b.String()), nil
}
