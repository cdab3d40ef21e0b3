// Package syslog turns RFC3164/RFC5424 datagrams into log events. Format
// detection looks at the leading <PRI> and the presence of a version digit;
// parsing is delegated to go-syslog.
package syslog

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	parser "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"

	"github.com/streamgate/ingest/internal/core"
)

// Parser detects the syslog dialect of a datagram and normalises it to the
// log-event schema. Safe for concurrent use.
type Parser struct {
	mu  sync.Mutex
	p64 parser.Machine // RFC3164 (BSD)
	p24 parser.Machine // RFC5424
}

// NewParser builds a best-effort parser pair. Best-effort keeps partially
// valid datagrams instead of dropping them outright; anything still missing
// a message is rejected by the caller.
func NewParser() *Parser {
	return &Parser{
		p64: rfc3164.NewParser(rfc3164.WithBestEffort(), rfc3164.WithYear(rfc3164.CurrentYear{})),
		p24: rfc5424.NewParser(rfc5424.WithBestEffort()),
	}
}

// Parse converts one datagram into a LogEvent.
func (p *Parser) Parse(data []byte) (*core.LogEvent, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty datagram")
	}

	p.mu.Lock()
	var msg parser.Message
	var err error
	if isRFC5424(data) {
		msg, err = p.p24.Parse(data)
	} else {
		msg, err = p.p64.Parse(data)
	}
	p.mu.Unlock()

	if msg == nil {
		if err == nil {
			err = fmt.Errorf("unparseable datagram")
		}
		return nil, err
	}

	switch m := msg.(type) {
	case *rfc5424.SyslogMessage:
		return eventFromBase(&m.Base, m.StructuredData), nil
	case *rfc3164.SyslogMessage:
		return eventFromBase(&m.Base, nil), nil
	default:
		return nil, fmt.Errorf("unexpected syslog message type %T", msg)
	}
}

// isRFC5424 reports whether the datagram is "<PRI>VERSION " with a version
// digit, the discriminator between the two dialects.
func isRFC5424(data []byte) bool {
	if data[0] != '<' {
		return false
	}
	for i := 1; i < len(data) && i < 6; i++ {
		if data[i] == '>' {
			return i+1 < len(data) && data[i+1] >= '1' && data[i+1] <= '9'
		}
		if data[i] < '0' || data[i] > '9' {
			return false
		}
	}
	return false
}

func eventFromBase(b *parser.Base, sd *map[string]map[string]string) *core.LogEvent {
	ev := &core.LogEvent{
		Level:         severityLevel(b.Severity),
		SchemaVersion: core.SchemaVersion,
	}
	if b.Timestamp != nil {
		ev.Timestamp = b.Timestamp.UTC()
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	if b.Message != nil {
		ev.Message = *b.Message
	}
	if b.Hostname != nil {
		ev.Host = *b.Hostname
	}
	if b.Appname != nil {
		ev.Service = *b.Appname
	}

	labels := map[string]string{}
	if b.Facility != nil {
		labels["syslog_facility"] = strconv.Itoa(int(*b.Facility))
	}
	if b.ProcID != nil {
		labels["pid"] = *b.ProcID
	}
	if b.MsgID != nil && *b.MsgID != "" {
		labels["msgid"] = *b.MsgID
	}
	if sd != nil {
		for sdid, params := range *sd {
			for k, v := range params {
				labels["sd_"+sdid+"_"+k] = v
			}
		}
	}
	if len(labels) > 0 {
		ev.Labels = labels
	}
	return ev
}

// severityLevel maps syslog severities onto the closed level set.
func severityLevel(sev *uint8) string {
	if sev == nil {
		return core.LevelInfo
	}
	switch *sev {
	case 0, 1, 2: // emerg, alert, crit
		return core.LevelFatal
	case 3: // err
		return core.LevelError
	case 4: // warning
		return core.LevelWarn
	case 5, 6: // notice, info
		return core.LevelInfo
	case 7: // debug
		return core.LevelDebug
	default:
		return core.LevelInfo
	}
}
